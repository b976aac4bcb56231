// Package types defines the chain data shapes the core consumes: block
// stubs, full blocks, transactions and logs, per spec.md §3. The Block
// Cache, the reducer framework and the Confirmation Observer all
// operate on the full Block type; HasStub is implemented by BlockStub
// and Block, but no other package takes it as a parameter.
package types

import (
	"encoding/hex"
	"math/big"
	"strconv"
)

// Hash and Address mirror go-ethereum/klaytn's common.Hash/common.Address
// shape (fixed-size byte arrays with a Hex() accessor) without pulling
// in a full chain-client dependency graph; chain/rpcprovider is the only
// place a concrete JSON-RPC client type needs to convert into these.
type Hash [32]byte

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

type Address [20]byte

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// BlockStub is a block's minimal identity: enough to walk ancestry
// without fetching bodies. The Block Cache persists blocks in this form.
type BlockStub struct {
	Hash       Hash
	Number     uint64
	ParentHash Hash
}

// Stub satisfies HasStub, allowing a BlockStub to stand in for itself.
func (b BlockStub) Stub() BlockStub { return b }

// HasStub is implemented by both block shapes in this package.
type HasStub interface {
	Stub() BlockStub
}

// Transaction carries the fields the Responder Component and
// Confirmation Observer need to recognize "our" transaction in a
// mined block.
type Transaction struct {
	Hash        Hash
	From        Address
	To          Address
	Nonce       uint64
	ChainID     *big.Int
	Data        []byte
	Value       *big.Int
	GasLimit    uint64
	GasPrice    *big.Int
	BlockNumber uint64
}

// Log is a single event log entry attached to a transaction receipt.
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
	TxHash  Hash
}

// Block is a full block: a BlockStub plus its transactions and logs.
// The Block Processor fetches full blocks (with transactions) from the
// provider, and every reducer receives this full Block.
type Block struct {
	BlockStub
	Transactions []Transaction
	Logs         []Log
}

func (b Block) Stub() BlockStub { return b.BlockStub }

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      Hash
	BlockHash   Hash
	BlockNumber uint64
	Status      uint64
	Logs        []Log
}

// PisaTransactionIdentifier is the idempotency key for a response
// transaction, per spec.md §3: two queued items with an equal
// identifier are the same logical intent.
type PisaTransactionIdentifier struct {
	ChainID  *big.Int
	Data     string // hex-encoded calldata, comparable/hashable
	To       Address
	Value    *big.Int
	GasLimit uint64
}

// Key returns a comparable map key for the identifier, covering all
// five of its fields.
func (id PisaTransactionIdentifier) Key() string {
	chainID := "0"
	if id.ChainID != nil {
		chainID = id.ChainID.String()
	}
	value := "0"
	if id.Value != nil {
		value = id.Value.String()
	}
	return chainID + "|" + id.To.Hex() + "|" + value + "|" + id.Data + "|" + strconv.FormatUint(id.GasLimit, 10)
}
