// Package provider declares the external chain-client contract the
// core consumes, per spec.md §6. The method set is modelled on
// go-ethereum's ethclient.Client but uses this module's chain/types
// values and its own signatures (e.g. includeTxs on the block getters),
// so an ethclient.Client does not satisfy it without an adapter; PISA
// itself only ever talks to this interface, never a concrete RPC client.
package provider

import (
	"context"
	"errors"
	"math/big"

	"github.com/terrorizer1980/pisa/chain/types"
)

// ErrBlockNotFound is returned when the remote node has no block at
// the requested hash or number — the "null block" transient error
// spec.md §7 says must be swallowed and logged at info by the caller.
var ErrBlockNotFound = errors.New("provider: block not found")

// Provider is the JSON-RPC surface the core requires.
type Provider interface {
	BlockByHash(ctx context.Context, hash types.Hash, includeTxs bool) (*types.Block, error)
	BlockByNumber(ctx context.Context, number uint64, includeTxs bool) (*types.Block, error)
	TransactionReceipt(ctx context.Context, hash types.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, blockHash types.Hash) ([]types.Log, error)
	NonceAt(ctx context.Context, addr types.Address) (uint64, error)
	BalanceAt(ctx context.Context, addr types.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, tx types.Transaction) (uint64, error)
	SendRawTransaction(ctx context.Context, signed []byte) (types.Hash, error)

	// SubscribeNewHead streams new block numbers as they are mined,
	// per spec.md §6's subscribe("block") -> stream<u64>.
	SubscribeNewHead(ctx context.Context, ch chan<- uint64) (Subscription, error)
}

// Subscription is the handle returned by SubscribeNewHead.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Delayed wraps a Provider so BlockNumber reports `delay` blocks behind
// the tip, per spec.md §6's delay-adapter note. It refuses (returns an
// error) rather than underflow when the chain is shorter than delay.
type Delayed struct {
	Provider
	delay uint64
}

// NewDelayed returns a Provider whose BlockNumber is shifted back by
// delay blocks.
func NewDelayed(p Provider, delay uint64) *Delayed {
	return &Delayed{Provider: p, delay: delay}
}

var ErrBelowDelay = errors.New("provider: chain height below configured delay")

func (d *Delayed) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := d.Provider.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if n < d.delay {
		return 0, ErrBelowDelay
	}
	return n - d.delay, nil
}
