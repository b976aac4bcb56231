package watch

import (
	"sort"
	"sync"

	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/log"
	"github.com/terrorizer1980/pisa/reducer"
)

var logger = log.NewModuleLogger(log.ResponderWatch)

// entry is one registered appointment's tracking state: its reducer
// framework plus the bookkeeping the Watcher needs to detect a
// first-ever observation and to know when enough confirmations have
// accrued.
type entry struct {
	confirmationsRequired uint64
	framework             *reducer.Framework[AppointmentState]
	seen                  bool
}

// Watcher aggregates every registered appointment's per-appointment
// reducer into the "Responder aggregate anchor state" of spec.md §3,
// and turns each new head into the ordered Action list of spec.md
// §4.7. Anchor states for individual appointments are not persisted
// (unlike blockcache/reducer's general case): AppointmentReducer's
// Initial rescans ancestry up to max_depth cheaply, so there is
// nothing restart-recovery needs from disk here beyond the Block Cache
// and Gas Queue journal themselves.
type Watcher struct {
	cache *blockcache.Cache

	mu           sync.Mutex
	appointments map[string]*entry
}

// New returns a Watcher observing cache.
func New(cache *blockcache.Cache) *Watcher {
	return &Watcher{cache: cache, appointments: make(map[string]*entry)}
}

// Register begins tracking appointmentId: identifier/from describe the
// transaction the Multi-Responder intends to mine on its behalf,
// maxDepth bounds the Initial ancestry scan, startBlock is the block
// the appointment was accepted at, and confirmationsRequired is how
// many blocks past BlockMined before EndResponse fires.
func (w *Watcher) Register(appointmentID string, from types.Address, identifier types.PisaTransactionIdentifier, maxDepth, startBlock, confirmationsRequired uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	red := NewAppointmentReducer(w.cache, from, identifier, maxDepth, startBlock)
	w.appointments[appointmentID] = &entry{
		confirmationsRequired: confirmationsRequired,
		framework:             reducer.New[AppointmentState](w.cache, red, nil, "appointment/"+appointmentID),
	}
}

// Unregister stops tracking an appointment, per spec.md §4.6's "drop
// tracking" on EndResponse.
func (w *Watcher) Unregister(appointmentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.appointments, appointmentID)
}

// Tracking reports whether appointmentID is currently registered.
func (w *Watcher) Tracking(appointmentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.appointments[appointmentID]
	return ok
}

// Advance folds newHead through every registered appointment's
// reducer and returns the actions detect_changes emits, per spec.md
// §4.7. Appointments reaching EndResponse are unregistered before
// Advance returns, so they never fire it twice.
func (w *Watcher) Advance(newHead types.Block) ([]Action, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.appointments))
	for id := range w.appointments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var pendingBoth []string
	var perID []Action
	var ended []string

	for _, id := range ids {
		e := w.appointments[id]
		prev, next, err := e.framework.Advance(newHead)
		if err != nil {
			return nil, err
		}
		firstObservation := !e.seen
		e.seen = true

		if prev.Status == StatusPending && next.Status == StatusPending {
			pendingBoth = append(pendingBoth, id)
		}

		transitionedToMined := (prev.Status == StatusPending && next.Status == StatusMined) ||
			(firstObservation && next.Status == StatusMined)
		if transitionedToMined {
			perID = append(perID, TxMined{AppointmentID: id, Identifier: next.Identifier, Nonce: next.Nonce}, CheckResponderBalance{})
		}

		if next.Status == StatusMined && newHead.Number-next.BlockMined >= e.confirmationsRequired {
			perID = append(perID, EndResponse{AppointmentID: id})
			ended = append(ended, id)
		}
	}

	// ReEnqueueMissingItems is a single batched action rather than one
	// per appointmentId (its signature in spec.md §4.6 takes a list),
	// so it is emitted once, ahead of the per-appointment actions built
	// in the same stable appointmentId pass above; within an
	// appointmentId, that pass already places TxMined before
	// EndResponse.
	var actions []Action
	if len(pendingBoth) > 0 {
		actions = append(actions, ReEnqueueMissingItems{AppointmentIDs: pendingBoth})
	}
	actions = append(actions, perID...)

	for _, id := range ended {
		delete(w.appointments, id)
		logger.Info("appointment reached required confirmations, dropping tracking", "appointmentId", id)
	}

	return actions, nil
}
