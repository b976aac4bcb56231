package database

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger"

	"github.com/terrorizer1980/pisa/log"
)

// badgerDB is a Database backed by github.com/dgraph-io/badger, adapted
// from the teacher's storage/database/badger_database.go (the GC
// goroutine is dropped: PISA's namespaces are small append-mostly
// journals/indices, not a full chain's trie/receipt data, so the
// size-triggered value-log GC the teacher runs has no role here).
type badgerDB struct {
	fn string
	db *badger.DB
	log log.Logger
}

// NewBadgerDatabase opens (or creates) a Badger database at dir.
func NewBadgerDatabase(dir string) (*badgerDB, error) {
	l := log.NewModuleLogger(log.StorageDatabase).New("database", dir)

	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return nil, fmt.Errorf("badgerDB: %s is not a directory", dir)
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("badgerDB: failed to create %s: %w", dir, err)
		}
	} else {
		return nil, fmt.Errorf("badgerDB: failed to stat %s: %w", dir, err)
	}

	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerDB: failed to open %s: %w", dir, err)
	}
	return &badgerDB{fn: dir, db: db, log: l}, nil
}

func (bg *badgerDB) Path() string { return bg.fn }

func (bg *badgerDB) Put(key, value []byte) error {
	txn := bg.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Set(key, value); err != nil {
		return err
	}
	return txn.Commit(nil)
}

func (bg *badgerDB) Has(key []byte) (bool, error) {
	txn := bg.db.NewTransaction(false)
	defer txn.Discard()
	_, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (bg *badgerDB) Get(key []byte) ([]byte, error) {
	txn := bg.db.NewTransaction(false)
	defer txn.Discard()
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (bg *badgerDB) Delete(key []byte) error {
	txn := bg.db.NewTransaction(true)
	defer txn.Discard()
	if err := txn.Delete(key); err != nil {
		return err
	}
	return txn.Commit(nil)
}

func (bg *badgerDB) Close() error {
	if err := bg.db.Close(); err != nil {
		bg.log.Error("failed to close database", "err", err)
		return err
	}
	bg.log.Info("database closed")
	return nil
}

func (bg *badgerDB) NewBatch() Batch {
	return &badgerBatch{db: bg.db, txn: bg.db.NewTransaction(true)}
}

func (bg *badgerDB) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return bg.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

type badgerBatch struct {
	db   *badger.DB
	txn  *badger.Txn
	size int
}

func (b *badgerBatch) Put(key, value []byte) error {
	err := b.txn.Set(key, value)
	b.size += len(value)
	return err
}

func (b *badgerBatch) Delete(key []byte) error { return b.txn.Delete(key) }
func (b *badgerBatch) Write() error            { return b.txn.Commit(nil) }
func (b *badgerBatch) ValueSize() int          { return b.size }
func (b *badgerBatch) Reset() {
	b.txn = b.db.NewTransaction(true)
	b.size = 0
}
