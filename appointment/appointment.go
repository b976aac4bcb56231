// Package appointment carries the Appointment request shape of
// spec.md §6, consumed from the out-of-scope Inspector collaborator.
// This package only carries data — signature verification, bytecode
// inspection, and dispute-period/round checks are explicitly out of
// scope (spec.md §1) and are the Inspector's responsibility; the core
// trusts whatever it is handed here.
package appointment

import (
	"errors"
	"sync"

	"github.com/terrorizer1980/pisa/chain/types"
)

// Request is one accepted appointment, mirroring spec.md §6's
// appointment request fields verbatim.
type Request struct {
	AppointmentID         string
	CustomerAddress       types.Address
	Identifier            types.PisaTransactionIdentifier
	StartBlock            uint64
	EndBlock              uint64
	ConfirmationsRequired uint64
	EventTopics           []types.Hash
	PaymentProof          []byte
}

// ErrUnknown is returned by Store.Get for an appointmentId the store
// has never seen.
var ErrUnknown = errors.New("appointment: unknown appointmentId")

// ErrAlreadyAccepted is returned by Store.Add for a duplicate
// appointmentId.
var ErrAlreadyAccepted = errors.New("appointment: already accepted")

// Store is the in-memory registry of every appointment the core is
// currently responsible for. It exists purely to let
// responder.Responder look an appointmentId back up to its full
// record; it performs no
// acceptance-time validation itself.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]Request
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]Request)}
}

// Add registers a newly accepted appointment.
func (s *Store) Add(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[req.AppointmentID]; ok {
		return ErrAlreadyAccepted
	}
	s.byID[req.AppointmentID] = req
	return nil
}

// Get returns the full record for appointmentID.
func (s *Store) Get(appointmentID string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byID[appointmentID]
	if !ok {
		return Request{}, ErrUnknown
	}
	return req, nil
}

// Remove drops an appointment once its response has reached required
// confirmations (EndResponse) or it has expired unfulfilled.
func (s *Store) Remove(appointmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, appointmentID)
}

// Len returns the number of currently tracked appointments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Lookup satisfies responder.AppointmentSource: it resolves an
// appointmentId back to the identifier and deadline block
// ReEnqueueMissingItems needs to rebuild a lost queue item.
func (s *Store) Lookup(appointmentID string) (types.PisaTransactionIdentifier, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byID[appointmentID]
	if !ok {
		return types.PisaTransactionIdentifier{}, 0, false
	}
	return req.Identifier, req.EndBlock, true
}
