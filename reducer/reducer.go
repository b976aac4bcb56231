// Package reducer implements the Anchor State Reducer framework of
// spec.md §4.4: each reducer is a pure fold over a cached block's
// ancestry, memoized per (reducer, block hash) so that state_at is a
// deterministic, restart-surviving function of the block alone.
// Grounded on node/sc/main_event_handler.go's HandleChainHeadEvent
// per-block-scan shape, generalized per the REDESIGN FLAGS note in
// spec.md §9 into a pure function instead of a stateful event handler,
// and on db_manager.go's FindCommonAncestor for reorg-aware diffing.
package reducer

import (
	"sync"

	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/log"
	"github.com/terrorizer1980/pisa/storage/database"
)

var logger = log.NewModuleLogger(log.Reducer)

// Reducer is the pure fold a component declares over block ancestry,
// per spec.md §4.4.
type Reducer[S any] interface {
	// Initial computes the anchor state at a block with no cached
	// parent: either the cache's bootstrap root, or a block at
	// minimum_height+1 (a declared attachment root).
	Initial(block types.Block) S
	// Reduce folds the parent's anchor state forward across block.
	Reduce(prev S, block types.Block) S
}

// Framework memoizes state_at for one Reducer[S], per spec.md §4.4.
// It is safe for concurrent use; callers typically drive it from a
// single Block Processor new-head subscription, but StateAt may be
// called from any goroutine to inspect historical anchor states.
type Framework[S any] struct {
	cache   *blockcache.Cache
	reducer Reducer[S]
	store   database.DBManager
	name    string

	mu     sync.Mutex
	states map[types.Hash]S

	prevHead types.Block
	hasPrev  bool
}

// New returns a Framework for reducer r, named name (the persistence
// namespace key prefix distinguishing this reducer's anchor states
// from every other reducer's in the shared store). store may be nil to
// disable persistence (tests, or reducers the operator chooses not to
// survive restart).
func New[S any](cache *blockcache.Cache, r Reducer[S], store database.DBManager, name string) *Framework[S] {
	return &Framework[S]{
		cache:   cache,
		reducer: r,
		store:   store,
		name:    name,
		states:  make(map[types.Hash]S),
	}
}

// StateAt returns state(R, block), computing and memoizing it if
// necessary by recursively folding from the deepest cached/persisted
// ancestor, per spec.md §4.4's state_at definition.
func (f *Framework[S]) StateAt(block types.Block) (S, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateAtLocked(block)
}

func (f *Framework[S]) stateAtLocked(block types.Block) (S, error) {
	if s, ok := f.states[block.Hash]; ok {
		return s, nil
	}
	if s, ok := f.loadPersisted(block.Hash); ok {
		f.states[block.Hash] = s
		return s, nil
	}

	parent, err := f.cache.GetBlock(block.ParentHash)
	if err != nil {
		// block's parent isn't cached: block is the deepest attached
		// ancestor the framework can see, so it's a fold root.
		s := f.reducer.Initial(block)
		f.states[block.Hash] = s
		f.persist(block.Hash, s)
		return s, nil
	}

	prev, err := f.stateAtLocked(parent)
	if err != nil {
		var zero S
		return zero, err
	}
	s := f.reducer.Reduce(prev, block)
	f.states[block.Hash] = s
	f.persist(block.Hash, s)
	return s, nil
}

// Advance computes the (prevState, nextState) pair a component diffs
// over detect_changes, per spec.md §4.4. The first call ever made on a
// Framework has no previous head to diff against, so it returns
// nextState for both — every value the reducer reports at that first
// block reads as "newly observed," which is what makes a Responder
// Component's ReEnqueueMissingItems fire for everything Pending at
// startup. On later calls, if prevHead is not an ancestor of newHead
// (a reorg), the diff crosses the fork point rather than comparing
// against the stale branch: prevState is state_at(FindCommonAncestor(
// prevHead, newHead)), which reduces to state_at(prevHead) itself when
// there was no reorg.
func (f *Framework[S]) Advance(newHead types.Block) (prevState, nextState S, err error) {
	nextState, err = f.StateAt(newHead)
	if err != nil {
		return
	}

	f.mu.Lock()
	prevHead, hasPrev := f.prevHead, f.hasPrev
	f.prevHead, f.hasPrev = newHead, true
	f.mu.Unlock()

	if !hasPrev {
		return nextState, nextState, nil
	}

	fork, ok := f.cache.FindCommonAncestor(prevHead, newHead)
	if !ok {
		logger.Warn("no common ancestor in cache for reorg diff, treating as bootstrap",
			"prevHead", prevHead.Hash.Hex(), "newHead", newHead.Hash.Hex())
		return nextState, nextState, nil
	}

	prevState, err = f.StateAt(fork)
	return prevState, nextState, err
}

// Forget drops a block's in-memory memoized state. The Block Cache's
// pruning does not call it, and nothing else in this module does, so
// the framework's map is not bounded by the cache's depth window.
func (f *Framework[S]) Forget(hash types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, hash)
}
