// Package gasqueue implements the Gas Queue of spec.md §4.5: an
// ordered, nonce-contiguous sequence of in-flight transactions sharing
// one signing address. Queue is a persistent value in the sense
// go-ethereum's txSortedMap is not — every mutating operation returns a
// new Queue and leaves the receiver untouched, so a failed mutation
// never corrupts the caller's queue. Grounded on klaytn's
// node/sc/bridge_tx_pool.go, whose journal shape this package
// reimplements against Pisa's identifier/nonce model (see journal.go);
// the queue itself is a plain nonce-ordered slice.
package gasqueue

import (
	"errors"
	"math/big"

	"github.com/terrorizer1980/pisa/chain/types"
)

// Request is the appointment-derived payload a queue item carries
// alongside its nonce and gas price, per spec.md §3's queue item shape.
type Request struct {
	AppointmentID string
	DeadlineBlock uint64
}

// Item is one entry in the queue: an identifier (the idempotency key),
// the originating request, its assigned nonce and current gas price.
type Item struct {
	Identifier types.PisaTransactionIdentifier
	Request    Request
	Nonce      uint64
	GasPrice   *big.Int
}

var (
	// ErrDuplicate is returned by Add when an item with the same
	// identifier is already queued, per spec.md §4.5.
	ErrDuplicate = errors.New("gasqueue: duplicate identifier")
	// ErrUnknownIdentifier is returned by Bump when no queued item
	// matches the given identifier.
	ErrUnknownIdentifier = errors.New("gasqueue: unknown identifier")
	// ErrNonceOutOfRange is returned by ReplaceFrom when a replacement
	// item's nonce does not fall within the queue's current contiguous
	// nonce range.
	ErrNonceOutOfRange = errors.New("gasqueue: nonce outside queue range")
)

// Queue is an immutable, nonce-ordered sequence of Items. The zero
// Queue is a valid empty queue with base nonce 0; use New to start from
// a specific base nonce (typically the signer's on-chain transaction
// count at startup).
type Queue struct {
	baseNonce uint64
	items     []Item
}

// New returns an empty Queue whose next assigned nonce is baseNonce.
func New(baseNonce uint64) Queue {
	return Queue{baseNonce: baseNonce}
}

// BaseNonce returns the queue's current base nonce.
func (q Queue) BaseNonce() uint64 { return q.baseNonce }

// Len returns the number of queued items.
func (q Queue) Len() int { return len(q.items) }

// Items returns the queue's items in ascending nonce order. The
// returned slice must not be mutated by the caller.
func (q Queue) Items() []Item { return q.items }

// Get returns the item with the given identifier, if queued.
func (q Queue) Get(identifier types.PisaTransactionIdentifier) (Item, bool) {
	for _, it := range q.items {
		if it.Identifier.Key() == identifier.Key() {
			return it, true
		}
	}
	return Item{}, false
}

// Add appends a new item at the next contiguous nonce, per spec.md
// §4.5: gas_price is the larger of currentGasPrice and floor. Fails
// ErrDuplicate, leaving q unchanged, if identifier is already queued.
func (q Queue) Add(req Request, identifier types.PisaTransactionIdentifier, currentGasPrice, floor *big.Int) (Queue, error) {
	if _, ok := q.Get(identifier); ok {
		return q, ErrDuplicate
	}

	gasPrice := new(big.Int).Set(currentGasPrice)
	if floor != nil && gasPrice.Cmp(floor) < 0 {
		gasPrice = new(big.Int).Set(floor)
	}

	items := make([]Item, len(q.items), len(q.items)+1)
	copy(items, q.items)
	items = append(items, Item{
		Identifier: identifier,
		Request:    req,
		Nonce:      q.baseNonce + uint64(len(q.items)),
		GasPrice:   gasPrice,
	})
	return Queue{baseNonce: q.baseNonce, items: items}, nil
}

// Consume confirms the item at nonce has been mined: every item with
// nonce <= confirmed is dropped and base_nonce advances to confirmed+1,
// per spec.md §4.5. Consuming a nonce below the current base (already
// consumed) is a no-op; otherwise base_nonce advances to confirmed+1
// even when no queued item carries that nonce (an empty queue included).
func (q Queue) Consume(confirmed uint64) Queue {
	if confirmed < q.baseNonce {
		return q
	}
	newBase := confirmed + 1
	items := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if it.Nonce >= newBase {
			items = append(items, it)
		}
	}
	return Queue{baseNonce: newBase, items: items}
}

// Bump increases the gas price of the item matching identifier,
// leaving its nonce and every other item untouched, per spec.md §4.5.
func (q Queue) Bump(identifier types.PisaTransactionIdentifier, newGasPrice *big.Int) (Queue, error) {
	idx := -1
	for i, it := range q.items {
		if it.Identifier.Key() == identifier.Key() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return q, ErrUnknownIdentifier
	}

	items := make([]Item, len(q.items))
	copy(items, q.items)
	items[idx].GasPrice = new(big.Int).Set(newGasPrice)
	return Queue{baseNonce: q.baseNonce, items: items}, nil
}

// ReplaceFrom overlays replacements onto the items occupying the same
// nonces, per spec.md §4.5: used when the responder discovers the
// chain holds a different transaction at an owned nonce (an external
// replacement, or a reorg that displaced our broadcast). Every
// replacement's nonce must already fall within the queue's contiguous
// range; the nonce set itself never changes, only the item at each
// nonce.
func (q Queue) ReplaceFrom(replacements []Item) (Queue, error) {
	items := make([]Item, len(q.items))
	copy(items, q.items)

	for _, r := range replacements {
		if r.Nonce < q.baseNonce || r.Nonce >= q.baseNonce+uint64(len(items)) {
			return q, ErrNonceOutOfRange
		}
		items[r.Nonce-q.baseNonce] = r
	}
	return Queue{baseNonce: q.baseNonce, items: items}, nil
}

// Difference returns the items present in q but absent from older —
// new items and items whose gas price changed — preserving order, per
// spec.md §4.5. The Multi-Responder broadcasts exactly this set on
// every queue mutation.
func (q Queue) Difference(older Queue) []Item {
	oldByKey := make(map[string]Item, len(older.items))
	for _, it := range older.items {
		oldByKey[it.Identifier.Key()] = it
	}

	var diff []Item
	for _, it := range q.items {
		prior, ok := oldByKey[it.Identifier.Key()]
		if !ok || prior.Nonce != it.Nonce || prior.GasPrice.Cmp(it.GasPrice) != 0 {
			diff = append(diff, it)
		}
	}
	return diff
}
