package database

import (
	"bytes"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/terrorizer1980/pisa/log"
)

// levelDB is a Database backed by github.com/syndtr/goleveldb, adapted
// from the teacher's storage/database/leveldb_database.go.
type levelDB struct {
	fn string
	db *leveldb.DB
	log log.Logger
}

func ldbOptions(cacheSize, handles int) *opt.Options {
	if cacheSize < 16 {
		cacheSize = 16
	}
	if handles < 16 {
		handles = 16
	}
	return &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cacheSize / 2 * opt.MiB,
		WriteBuffer:            cacheSize / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
}

// NewLDBDatabase opens (or creates) a LevelDB database at file, with
// corruption recovery matching the teacher's NewLDBDatabase.
func NewLDBDatabase(file string, cacheSize, handles int) (*levelDB, error) {
	l := log.NewModuleLogger(log.StorageDatabase).New("database", file)

	db, err := leveldb.OpenFile(file, ldbOptions(cacheSize, handles))
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	l.Info("allocated LevelDB", "cacheSize", cacheSize, "handles", handles)
	return &levelDB{fn: file, db: db, log: l}, nil
}

func (db *levelDB) Path() string { return db.fn }

func (db *levelDB) Put(key, value []byte) error { return db.db.Put(key, value, nil) }
func (db *levelDB) Has(key []byte) (bool, error) { return db.db.Has(key, nil) }

func (db *levelDB) Get(key []byte) ([]byte, error) {
	v, err := db.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (db *levelDB) Delete(key []byte) error { return db.db.Delete(key, nil) }

func (db *levelDB) Close() error {
	if err := db.db.Close(); err != nil {
		db.log.Error("failed to close database", "err", err)
		return err
	}
	db.log.Info("database closed")
	return nil
}

func (db *levelDB) NewBatch() Batch {
	return &ldbBatch{db: db.db, b: new(leveldb.Batch)}
}

func (db *levelDB) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	it := db.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

type ldbBatch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *ldbBatch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(value)
	return nil
}

func (b *ldbBatch) Delete(key []byte) error {
	b.b.Delete(key)
	return nil
}

func (b *ldbBatch) Write() error   { return b.db.Write(b.b, nil) }
func (b *ldbBatch) ValueSize() int { return b.size }
func (b *ldbBatch) Reset()         { b.b.Reset(); b.size = 0 }
