package reducer

import (
	"bytes"
	"encoding/gob"

	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/storage/database"
)

func (f *Framework[S]) key(hash types.Hash) []byte {
	key := make([]byte, 0, len(f.name)+1+len(hash))
	key = append(key, f.name...)
	key = append(key, '/')
	key = append(key, hash[:]...)
	return key
}

func (f *Framework[S]) persist(hash types.Hash, s S) {
	if f.store == nil {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		logger.Error("failed to encode anchor state", "reducer", f.name, "hash", hash.Hex(), "err", err)
		return
	}
	if err := f.store.Put(database.AnchorStateNamespace, f.key(hash), buf.Bytes()); err != nil {
		logger.Error("failed to persist anchor state", "reducer", f.name, "hash", hash.Hex(), "err", err)
	}
}

func (f *Framework[S]) loadPersisted(hash types.Hash) (S, bool) {
	var zero S
	if f.store == nil {
		return zero, false
	}
	raw, err := f.store.Get(database.AnchorStateNamespace, f.key(hash))
	if err != nil {
		return zero, false
	}
	var s S
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
		logger.Error("failed to decode anchor state", "reducer", f.name, "hash", hash.Hex(), "err", err)
		return zero, false
	}
	return s, true
}
