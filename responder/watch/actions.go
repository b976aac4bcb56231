package watch

import "github.com/terrorizer1980/pisa/chain/types"

// Action is one of the four kinds the Responder Component dispatches
// to the Multi-Responder, per spec.md §4.6.
type Action interface {
	isAction()
}

// ReEnqueueMissingItems asks the Multi-Responder to reinsert every
// listed appointment's queue item if the queue has lost track of it
// (restart, or a reorg below the mined depth). The Multi-Responder
// de-dupes by identifier, so resending an already-queued item is a
// no-op.
type ReEnqueueMissingItems struct {
	AppointmentIDs []string
}

// TxMined reports that a transaction matching identifier, sent from
// the signing address, is now in a block at nonce.
type TxMined struct {
	AppointmentID string
	Identifier    types.PisaTransactionIdentifier
	Nonce         uint64
}

// CheckResponderBalance asks for a best-effort balance probe; emitted
// alongside every TxMined per spec.md §4.7.
type CheckResponderBalance struct{}

// EndResponse reports that an appointment's mined transaction has
// reached its required confirmation depth; the Multi-Responder should
// drop tracking for it.
type EndResponse struct {
	AppointmentID string
}

func (ReEnqueueMissingItems) isAction()  {}
func (TxMined) isAction()                {}
func (CheckResponderBalance) isAction() {}
func (EndResponse) isAction()            {}
