// Package watch implements the Responder Component of spec.md §4.7: a
// per-appointment anchor-state reducer that detects "our transaction
// for this appointment is now mined" by scanning block ancestry for a
// transaction matching the appointment's identifier and sent from the
// Multi-Responder's signing address. Grounded on
// node/sc/main_event_handler.go and node/sc/sub_event_handler.go's
// per-block ancestry scan for a matching anchoring transaction,
// generalized from "anchoring tx" to "our identifier from our
// address."
package watch

import (
	"encoding/hex"

	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/chain/types"
)

// Status is the tag of AppointmentState's two variants, per spec.md §3.
type Status uint8

const (
	StatusPending Status = iota
	StatusMined
)

// AppointmentState is the anchor state of one appointment at one
// block, per spec.md §3: either Pending (no matching mined transaction
// observed yet) or Mined (one was found, at BlockMined using Nonce).
// Reduce returns the prior value unchanged on every Pending->Pending
// or Mined->Mined step, so a diff can tell "nothing happened" from
// "this just transitioned" without a deep comparison.
type AppointmentState struct {
	Status     Status
	Identifier types.PisaTransactionIdentifier
	BlockMined uint64
	Nonce      uint64
}

// AppointmentReducer is the reducer.Reducer[AppointmentState] for one
// appointment: it knows the appointment's identifier, the address the
// Multi-Responder signs with, and the block beyond which a mined
// transaction couldn't possibly predate the appointment's acceptance.
type AppointmentReducer struct {
	cache      *blockcache.Cache
	from       types.Address
	identifier types.PisaTransactionIdentifier
	maxDepth   uint64
	startBlock uint64
}

// NewAppointmentReducer returns the reducer for one appointment.
// startBlock is the block at which the appointment was accepted — a
// matching transaction older than that cannot be this appointment's
// response, so ancestry scanning never looks further back than it.
func NewAppointmentReducer(cache *blockcache.Cache, from types.Address, identifier types.PisaTransactionIdentifier, maxDepth, startBlock uint64) *AppointmentReducer {
	return &AppointmentReducer{cache: cache, from: from, identifier: identifier, maxDepth: maxDepth, startBlock: startBlock}
}

// Initial scans block's ancestry up to max_depth or startBlock,
// whichever is shallower, per spec.md §4.7.
func (r *AppointmentReducer) Initial(block types.Block) AppointmentState {
	minHeight := r.startBlock
	if block.Number > r.maxDepth && block.Number-r.maxDepth > minHeight {
		minHeight = block.Number - r.maxDepth
	}

	it := r.cache.Ancestry(block.Hash)
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		if nonce, found := r.findMatch(b); found {
			return AppointmentState{Status: StatusMined, Identifier: r.identifier, BlockMined: b.Number, Nonce: nonce}
		}
		if b.Number <= minHeight {
			break
		}
	}
	return AppointmentState{Status: StatusPending, Identifier: r.identifier}
}

// Reduce transitions Pending to Mined the first time block carries a
// matching transaction; every other step returns prev unchanged, per
// spec.md §4.7.
func (r *AppointmentReducer) Reduce(prev AppointmentState, block types.Block) AppointmentState {
	if prev.Status == StatusMined {
		return prev
	}
	if nonce, found := r.findMatch(block); found {
		return AppointmentState{Status: StatusMined, Identifier: r.identifier, BlockMined: block.Number, Nonce: nonce}
	}
	return prev
}

func (r *AppointmentReducer) findMatch(block types.Block) (nonce uint64, found bool) {
	for _, tx := range block.Transactions {
		if tx.From != r.from {
			continue
		}
		if transactionIdentifier(tx).Key() != r.identifier.Key() {
			continue
		}
		return tx.Nonce, true
	}
	return 0, false
}

func transactionIdentifier(tx types.Transaction) types.PisaTransactionIdentifier {
	return types.PisaTransactionIdentifier{
		ChainID:  tx.ChainID,
		Data:     hex.EncodeToString(tx.Data),
		To:       tx.To,
		Value:    tx.Value,
		GasLimit: tx.GasLimit,
	}
}
