package blockcache

import (
	"bytes"
	"encoding/gob"

	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/storage/database"
)

func encodeStub(stub types.BlockStub) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stub); err != nil {
		logger.Crit("failed to encode block stub", "err", err)
	}
	return buf.Bytes()
}

func decodeStub(data []byte) (types.BlockStub, error) {
	var stub types.BlockStub
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&stub)
	return stub, err
}

// RestoreStubs scans the Block Item Store's block-stub namespace and
// returns the persisted graph skeleton, per spec.md §4.2: "on process
// restart, the Block Cache restores its graph by scanning the store's
// block-stub namespace." Only the stubs are returned: blockprocessor's
// Start does not call it, and no caller in this module re-fetches the
// full blocks or feeds them back through AddBlock/SetHead.
func RestoreStubs(store database.DBManager) ([]types.BlockStub, error) {
	var stubs []types.BlockStub
	err := store.Iterate(database.BlockStubNamespace, []byte("stub/"), func(_, value []byte) error {
		stub, err := decodeStub(value)
		if err != nil {
			return err
		}
		stubs = append(stubs, stub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stubs, nil
}
