// Package chainntfn implements the Confirmation Observer of spec.md
// §4.8: a promise-oriented facade for "settle when txHash has C
// confirmations; reject on reorg or block-threshold." Grounded on
// lnd's chainntnfs.RegisterConfirmationsNtfn / ConfirmationEvent /
// epochCancel idiom (confirmed against the pack's bitcoindnotify.go
// and btcd.go): registrations and cancellations are messages sent to
// a single dispatch goroutine, which is also where every new-head
// event is evaluated — the same single-writer shape the whole core
// uses, so registrations never need their own lock.
package chainntfn

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/log"
)

var logger = log.NewModuleLogger(log.ChainNtfn)

var (
	// ErrShuttingDown is returned by Register once the Notifier has
	// been stopped.
	ErrShuttingDown = errors.New("chainntfn: notifier shutting down")
	// ErrReorgedOut is delivered on ConfirmationEvent.Err when a
	// transaction that had been observed mined is displaced by a
	// reorg before reaching its required confirmation depth.
	ErrReorgedOut = errors.New("chainntfn: confirmed transaction was reorged out")
	// ErrBlockThresholdExceeded is delivered when maxHeight is reached
	// without the transaction ever being observed mined.
	ErrBlockThresholdExceeded = errors.New("chainntfn: block threshold exceeded before transaction was mined")
)

// ConfirmationEvent is delivered exactly once per registration: either
// Confirmed fires with the block the transaction reached the required
// depth in, or Err fires with ErrReorgedOut / ErrBlockThresholdExceeded.
// Both channels are buffered so the dispatch goroutine's send never
// blocks on a caller who isn't listening yet.
type ConfirmationEvent struct {
	Confirmed chan types.Block
	Err       chan error
}

func newConfirmationEvent() *ConfirmationEvent {
	return &ConfirmationEvent{
		Confirmed: make(chan types.Block, 1),
		Err:       make(chan error, 1),
	}
}

// CancelFunc removes a registration synchronously: it does not return
// until the dispatch goroutine has processed the cancellation, per
// spec.md §4.8 and §5's "cancellation removes the registration
// synchronously with no further callbacks."
type CancelFunc func()

type registration struct {
	id        uint64
	txHash    types.Hash
	numConfs  uint64
	maxHeight uint64 // 0 means no threshold
	event     *ConfirmationEvent

	minedAt   uint64
	minedHash types.Hash
}

type cancelMsg struct {
	id   uint64
	done chan struct{}
}

// Notifier is the Confirmation Observer.
type Notifier struct {
	cache *blockcache.Cache

	regs   map[uint64]*registration
	nextID uint64

	register chan *registration
	cancel   chan cancelMsg
	advance  chan types.Block
	closed   chan struct{}
	wg       sync.WaitGroup
}

// New returns a Notifier observing cache. Call Start before Register.
func New(cache *blockcache.Cache) *Notifier {
	return &Notifier{
		cache:    cache,
		regs:     make(map[uint64]*registration),
		register: make(chan *registration),
		cancel:   make(chan cancelMsg),
		advance:  make(chan types.Block),
		closed:   make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.loop()
}

// Stop terminates the dispatch goroutine. Any registration still
// pending receives no further callback, matching lnd's shutdown
// behavior for in-flight registrations.
func (n *Notifier) Stop() {
	close(n.closed)
	n.wg.Wait()
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case reg := <-n.register:
			n.regs[reg.id] = reg
		case msg := <-n.cancel:
			delete(n.regs, msg.id)
			close(msg.done)
		case head := <-n.advance:
			n.evaluate(head)
		case <-n.closed:
			return
		}
	}
}

// Register subscribes for txHash reaching numConfs confirmations.
// maxHeight, if nonzero, rejects the promise with
// ErrBlockThresholdExceeded once the head reaches it without the
// transaction ever being observed mined.
func (n *Notifier) Register(txHash types.Hash, numConfs, maxHeight uint64) (*ConfirmationEvent, CancelFunc, error) {
	id := atomic.AddUint64(&n.nextID, 1)
	reg := &registration{id: id, txHash: txHash, numConfs: numConfs, maxHeight: maxHeight, event: newConfirmationEvent()}

	select {
	case n.register <- reg:
	case <-n.closed:
		return nil, nil, ErrShuttingDown
	}

	cancel := func() {
		done := make(chan struct{})
		select {
		case n.cancel <- cancelMsg{id: id, done: done}:
			<-done
		case <-n.closed:
		}
	}
	return reg.event, cancel, nil
}

// Advance feeds a new chain head into the dispatch loop, per spec.md
// §4.8's "evaluated on every new-head event." The caller is the same
// new-head dispatch that drives the reducer framework and
// responder/watch.Watcher.
func (n *Notifier) Advance(head types.Block) {
	select {
	case n.advance <- head:
	case <-n.closed:
	}
}

func (n *Notifier) evaluate(head types.Block) {
	for id, reg := range n.regs {
		if reg.minedAt != 0 {
			if _, stillPresent := n.cache.FindAncestor(head.Hash, nil, func(b types.Block) bool {
				return b.Hash == reg.minedHash
			}); !stillPresent {
				deliverErr(reg.event, ErrReorgedOut)
				delete(n.regs, id)
				continue
			}
			if head.Number-reg.minedAt+1 >= reg.numConfs {
				block, _ := n.cache.GetBlock(reg.minedHash)
				deliverBlock(reg.event, block)
				delete(n.regs, id)
			}
			continue
		}

		block, found := n.cache.FindAncestor(head.Hash, nil, func(b types.Block) bool {
			return containsTx(b, reg.txHash)
		})
		if found {
			reg.minedAt = block.Number
			reg.minedHash = block.Hash
			if head.Number-block.Number+1 >= reg.numConfs {
				deliverBlock(reg.event, block)
				delete(n.regs, id)
			}
			continue
		}

		if reg.maxHeight != 0 && head.Number >= reg.maxHeight {
			deliverErr(reg.event, ErrBlockThresholdExceeded)
			delete(n.regs, id)
		}
	}
}

func containsTx(b types.Block, txHash types.Hash) bool {
	for _, tx := range b.Transactions {
		if tx.Hash == txHash {
			return true
		}
	}
	return false
}

func deliverBlock(event *ConfirmationEvent, block types.Block) {
	select {
	case event.Confirmed <- block:
	default:
		logger.Warn("confirmation event channel full, dropping delivery")
	}
}

func deliverErr(event *ConfirmationEvent, err error) {
	select {
	case event.Err <- err:
	default:
		logger.Warn("confirmation error channel full, dropping delivery")
	}
}
