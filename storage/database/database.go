// Package database implements the Block Item Store of spec.md §4.2: a
// namespaced key/value store with atomic scoped write batches. It is
// grounded on klaytn's storage/database/db_manager.go — the same
// namespace-enum-plus-partitioned-or-shared-engine design, trimmed to
// the namespaces PISA's core actually needs (block stubs, anchor
// states, the responder journal) instead of klaytn's full-node set
// (headers, bodies, receipts, trie nodes, bloom bits, ...).
package database

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/terrorizer1980/pisa/log"
)

var logger = log.NewModuleLogger(log.StorageDatabase)

// ErrNotFound is returned by Get when the key does not exist, matching
// spec.md §6's requirement that "not-found" be distinguishable from
// other read errors.
var ErrNotFound = errors.New("database: not found")

// Database is a single underlying key/value engine.
type Database interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	Close() error
}

// Batch buffers writes until Write commits them atomically, per
// spec.md §4.1's "transactional surface to persist per-block derived
// items."
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Write() error
	ValueSize() int
	Reset()
}

// Namespace is the "logical namespace" of spec.md §4.2: the Block Item
// Store organizes derived items by (namespace, block-hash-or-key).
type Namespace int

const (
	// BlockStubNamespace stores the block-cache's persisted graph
	// (hash -> encoded BlockStub), scanned on restart per spec.md §4.2.
	BlockStubNamespace Namespace = iota
	// AnchorStateNamespace stores reducer anchor states keyed by
	// (reducer-name, block-hash), per spec.md §4.4.
	AnchorStateNamespace
	// ResponderJournalNamespace stores the Multi-Responder's append-only
	// queue-mutation journal and periodic snapshots, per spec.md §6.
	ResponderJournalNamespace
	// MiscNamespace stores the block-processor's single persisted key
	// (latest_head_number) and any other singleton state.
	MiscNamespace

	namespaceCount
)

var namespaceDirs = [namespaceCount]string{
	"blockstub",
	"anchorstate",
	"responder",
	"misc",
}

// DBType selects the underlying storage engine.
type DBType int

const (
	MemoryDB DBType = iota
	LevelDB
	BadgerDB
)

// DBConfig configures a DBManager.
type DBConfig struct {
	Dir              string
	DBType           DBType
	Partitioned      bool // one engine instance per namespace vs. one shared engine with key prefixes
	LevelDBCacheSize int
	LevelDBHandles   int
}

// DBManager is the Block Item Store's public surface: every namespace
// is addressed independently, and NewBatch opens a scoped write batch
// for one namespace so a caller (blockcache) can buffer several writes
// and commit them together.
type DBManager interface {
	Has(ns Namespace, key []byte) (bool, error)
	Get(ns Namespace, key []byte) ([]byte, error)
	Put(ns Namespace, key, value []byte) error
	Delete(ns Namespace, key []byte) error
	NewBatch(ns Namespace) Batch
	// Iterate calls fn for every key/value pair in ns whose key has the
	// given prefix; used to restore the block cache's graph on restart.
	Iterate(ns Namespace, prefix []byte, fn func(key, value []byte) error) error
	Close()
}

type dbManager struct {
	dbs        [namespaceCount]Database
	isSingleDB bool
}

// NewMemoryDBManager returns a DBManager backed entirely by in-memory
// maps, for tests.
func NewMemoryDBManager() DBManager {
	db := NewMemDatabase()
	dbm := &dbManager{isSingleDB: true}
	for i := range dbm.dbs {
		dbm.dbs[i] = db
	}
	return dbm
}

// NewDBManager opens (or creates) persistent storage per cfg, mirroring
// klaytn's NewDBManager: Partitioned gives every namespace its own
// engine instance/directory, non-partitioned shares one engine with a
// namespace key prefix (the `table` wrapper below).
func NewDBManager(cfg *DBConfig) (DBManager, error) {
	if cfg.DBType == MemoryDB {
		return NewMemoryDBManager(), nil
	}

	if !cfg.Partitioned {
		db, err := newEngine(cfg, cfg.Dir)
		if err != nil {
			return nil, err
		}
		dbm := &dbManager{isSingleDB: false}
		for i := Namespace(0); i < namespaceCount; i++ {
			dbm.dbs[i] = newTable(db, namespaceDirs[i])
		}
		return dbm, nil
	}

	dbm := &dbManager{isSingleDB: false}
	for i := Namespace(0); i < namespaceCount; i++ {
		dir := filepath.Join(cfg.Dir, namespaceDirs[i])
		db, err := newEngine(cfg, dir)
		if err != nil {
			logger.Crit("failed to open partitioned database", "namespace", namespaceDirs[i], "err", err)
		}
		dbm.dbs[i] = db
	}
	return dbm, nil
}

func newEngine(cfg *DBConfig, dir string) (Database, error) {
	switch cfg.DBType {
	case LevelDB:
		return NewLDBDatabase(dir, cfg.LevelDBCacheSize, cfg.LevelDBHandles)
	case BadgerDB:
		return NewBadgerDatabase(dir)
	default:
		logger.Info("database type not set, falling back to LevelDB")
		return NewLDBDatabase(dir, cfg.LevelDBCacheSize, cfg.LevelDBHandles)
	}
}

func (m *dbManager) db(ns Namespace) Database {
	return m.dbs[ns]
}

func (m *dbManager) Has(ns Namespace, key []byte) (bool, error) { return m.db(ns).Has(key) }

func (m *dbManager) Get(ns Namespace, key []byte) ([]byte, error) {
	v, err := m.db(ns).Get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *dbManager) Put(ns Namespace, key, value []byte) error { return m.db(ns).Put(key, value) }
func (m *dbManager) Delete(ns Namespace, key []byte) error     { return m.db(ns).Delete(key) }
func (m *dbManager) NewBatch(ns Namespace) Batch               { return m.db(ns).NewBatch() }

func (m *dbManager) Iterate(ns Namespace, prefix []byte, fn func(key, value []byte) error) error {
	it, ok := m.db(ns).(iterable)
	if !ok {
		return errors.Errorf("database: namespace %d does not support iteration", ns)
	}
	return it.IteratePrefix(prefix, fn)
}

func (m *dbManager) Close() {
	if m.isSingleDB {
		m.dbs[0].Close()
		return
	}
	seen := make(map[Database]bool)
	for _, db := range m.dbs {
		if t, ok := db.(*table); ok {
			db = t.db
		}
		if seen[db] {
			continue
		}
		seen[db] = true
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "err", err)
		}
	}
}

type iterable interface {
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
}

// table is a key-prefixed view over a shared Database, the same trick
// klaytn's leveldb_database.go uses to host multiple namespaces on one
// engine instance.
type table struct {
	db     Database
	prefix string
}

func newTable(db Database, prefix string) *table {
	return &table{db: db, prefix: prefix + "/"}
}

func (t *table) key(k []byte) []byte { return append([]byte(t.prefix), k...) }

func (t *table) Has(key []byte) (bool, error)        { return t.db.Has(t.key(key)) }
func (t *table) Get(key []byte) ([]byte, error)       { return t.db.Get(t.key(key)) }
func (t *table) Put(key, value []byte) error          { return t.db.Put(t.key(key), value) }
func (t *table) Delete(key []byte) error              { return t.db.Delete(t.key(key)) }
func (t *table) Close() error                         { return nil } // the underlying shared engine owns Close
func (t *table) NewBatch() Batch                      { return &tableBatch{batch: t.db.NewBatch(), prefix: t.prefix} }
func (t *table) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	it, ok := t.db.(iterable)
	if !ok {
		return errors.New("database: underlying engine does not support iteration")
	}
	full := t.key(prefix)
	return it.IteratePrefix(full, func(key, value []byte) error {
		return fn(key[len(t.prefix):], value)
	})
}

type tableBatch struct {
	batch  Batch
	prefix string
}

func (b *tableBatch) Put(key, value []byte) error {
	return b.batch.Put(append([]byte(b.prefix), key...), value)
}
func (b *tableBatch) Delete(key []byte) error {
	return b.batch.Delete(append([]byte(b.prefix), key...))
}
func (b *tableBatch) Write() error     { return b.batch.Write() }
func (b *tableBatch) ValueSize() int   { return b.batch.ValueSize() }
func (b *tableBatch) Reset()           { b.batch.Reset() }
