package database

import (
	"bytes"
	"sort"
	"sync"
)

// MemDatabase is an in-memory Database, used for tests and the
// DBManager's MemoryDB mode. Grounded on klaytn's db_manager.go
// NewMemoryDBManager/MemDatabase convention.
type MemDatabase struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDatabase() *MemDatabase {
	return &MemDatabase{data: make(map[string][]byte)}
}

func (db *MemDatabase) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDatabase) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.data[string(key)]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (db *MemDatabase) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	db.data[string(key)] = cp
	return nil
}

func (db *MemDatabase) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDatabase) Close() error { return nil }

func (db *MemDatabase) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	db.mu.RLock()
	type kv struct {
		k, v []byte
	}
	var matches []kv
	for k, v := range db.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			matches = append(matches, kv{[]byte(k), v})
		}
	}
	db.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return bytes.Compare(matches[i].k, matches[j].k) < 0 })
	for _, m := range matches {
		if err := fn(m.k, m.v); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemDatabase) NewBatch() Batch {
	return &memBatch{db: db}
}

type memKV struct {
	key, value []byte
	del        bool
}

type memBatch struct {
	db   *MemDatabase
	ops  []memKV
	size int
}

func (b *memBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, memKV{key: key, value: value})
	b.size += len(value)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memKV{key: key, del: true})
	return nil
}

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.del {
			delete(b.db.data, string(op.key))
			continue
		}
		cp := make([]byte, len(op.value))
		copy(cp, op.value)
		b.db.data[string(op.key)] = cp
	}
	return nil
}

func (b *memBatch) ValueSize() int { return b.size }
func (b *memBatch) Reset()         { b.ops = nil; b.size = 0 }
