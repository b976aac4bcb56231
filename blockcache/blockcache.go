// Package blockcache implements the Block Cache of spec.md §4.1: a
// bounded, reorg-tolerant in-memory DAG of recent blocks with a single
// "head," backed by the Block Item Store for crash recovery of the
// graph skeleton. Grounded on klaytn's storage/database/db_manager.go
// (FindCommonAncestor's two-phase walk, reused here for ancestor
// search) and common/cache.go's LRU cache abstraction.
package blockcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/log"
	"github.com/terrorizer1980/pisa/storage/database"
)

var logger = log.NewModuleLogger(log.BlockCache)

// AddResult is the tagged outcome of AddBlock, per spec.md §3.
type AddResult int

const (
	Added AddResult = iota
	AddedDetached
	NotAddedAlreadyExistedAttached
	NotAddedAlreadyExistedDetached
	NotAddedBlockNumberTooLow
	NotAddedStoreWriteFailed
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "Added"
	case AddedDetached:
		return "AddedDetached"
	case NotAddedAlreadyExistedAttached:
		return "NotAddedAlreadyExistedAttached"
	case NotAddedAlreadyExistedDetached:
		return "NotAddedAlreadyExistedDetached"
	case NotAddedBlockNumberTooLow:
		return "NotAddedBlockNumberTooLow"
	case NotAddedStoreWriteFailed:
		return "NotAddedStoreWriteFailed"
	default:
		return "Unknown"
	}
}

// ErrNotFound is returned by GetBlock for an unknown hash.
type ErrNotFound struct{ Hash types.Hash }

func (e ErrNotFound) Error() string { return "blockcache: block not found: " + e.Hash.Hex() }

// ErrUnknownHead is returned by SetHead when hash is not stored or not
// attached — a cache invariant violation per spec.md §7, fatal to the
// caller (the Block Processor).
type ErrUnknownHead struct{ Hash types.Hash }

func (e ErrUnknownHead) Error() string {
	return "blockcache: set_head to unknown/detached block: " + e.Hash.Hex()
}

// entry is a cached block plus attachment bookkeeping.
type entry struct {
	block    types.Block
	attached bool
}

// Cache is the bounded block DAG. The cache is owned by the Block
// Processor (spec.md §5); other components hold the same *Cache, as
// there is no separate read-only view type.
type Cache struct {
	mu sync.RWMutex

	blocks   map[types.Hash]*entry
	byNumber map[uint64]map[types.Hash]struct{}

	headHash types.Hash
	hasHead  bool
	maxDepth uint64

	// rootHash is the first block ever inserted into the cache: before
	// any head has been set, there is no minimum_height-derived root, so
	// this one designated block bootstraps attachment for everything
	// chained onto it. It never changes once set.
	rootHash types.Hash
	hasRoot  bool

	ancestryCache *lru.Cache // purged on every add and set_head; no lookup reads or fills it
	store         database.DBManager
}

// New returns an empty Cache with the given depth bound, backed by
// store for graph-skeleton persistence. maxDepth must be positive.
func New(maxDepth uint64, store database.DBManager) *Cache {
	if maxDepth == 0 {
		panic("blockcache: max_depth must be positive")
	}
	c, _ := lru.New(256)
	return &Cache{
		blocks:        make(map[types.Hash]*entry),
		byNumber:      make(map[uint64]map[types.Hash]struct{}),
		maxDepth:      maxDepth,
		ancestryCache: c,
		store:         store,
	}
}

// minimumHeight returns head.number - max_depth, and whether head is
// set (minimum_height is undefined while empty per spec.md §3). It is
// also undefined while head.number < max_depth: head.number - max_depth
// would be negative, and since "blocks at depth exactly minimum_height
// are pruned," treating that as 0 would prune the head block itself
// the moment it is set. Nothing is pruned until the chain has produced
// at least max_depth blocks past its starting point.
func (c *Cache) minimumHeightLocked() (uint64, bool) {
	if !c.hasHead {
		return 0, false
	}
	head := c.blocks[c.headHash].block
	if head.Number < c.maxDepth {
		return 0, false
	}
	return head.Number - c.maxDepth, true
}

// MinimumHeight exposes minimum_height for callers (e.g. reducers
// bounding ancestry walks) and reports whether it is defined yet.
func (c *Cache) MinimumHeight() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minimumHeightLocked()
}

// isAttachedLocked reports whether hash is stored and marked attached,
// as last computed by recomputeAttachmentLocked.
func (c *Cache) isAttachedLocked(hash types.Hash) bool {
	e, ok := c.blocks[hash]
	return ok && e.attached
}

// recomputeAttachmentLocked recomputes attachment for every stored
// block by topological fixpoint: a root block (no stored parent) is
// attached iff it is at minimum_height+1 (a declared root) or it is the
// cache's bootstrap root, otherwise a block is attached iff its parent
// is attached.
func (c *Cache) recomputeAttachmentLocked() {
	minHeight, hasMin := c.minimumHeightLocked()
	for _, e := range c.blocks {
		e.attached = false
	}
	changed := true
	for changed {
		changed = false
		for _, e := range c.blocks {
			if e.attached {
				continue
			}
			if hasMin && e.block.Number == minHeight+1 {
				e.attached = true
				changed = true
				continue
			}
			if c.hasRoot && e.block.Hash == c.rootHash {
				e.attached = true
				changed = true
				continue
			}
			if parent, ok := c.blocks[e.block.ParentHash]; ok && parent.attached {
				e.attached = true
				changed = true
			}
		}
	}
}

// AddBlock inserts block into the cache per the policy in spec.md §4.1.
func (c *Cache) AddBlock(block types.Block) AddResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if minHeight, has := c.minimumHeightLocked(); has && block.Number <= minHeight {
		return NotAddedBlockNumberTooLow
	}

	if existing, ok := c.blocks[block.Hash]; ok {
		if existing.attached {
			return NotAddedAlreadyExistedAttached
		}
		return NotAddedAlreadyExistedDetached
	}

	if !c.hasRoot && len(c.blocks) == 0 {
		c.rootHash = block.Hash
		c.hasRoot = true
	}

	e := &entry{block: block}
	c.blocks[block.Hash] = e
	if c.byNumber[block.Number] == nil {
		c.byNumber[block.Number] = make(map[types.Hash]struct{})
	}
	c.byNumber[block.Number][block.Hash] = struct{}{}

	c.recomputeAttachmentLocked()
	c.ancestryCache.Purge()

	if c.store != nil {
		batch := c.store.NewBatch(database.BlockStubNamespace)
		if err := batch.Put(stubKey(block.Hash), encodeStub(block.BlockStub)); err != nil {
			logger.Error("failed to stage block stub write", "hash", block.Hash.Hex(), "err", err)
		}
		if err := batch.Write(); err != nil {
			// Write failure aborts this block's processing and rolls
			// back the in-memory addition, per spec.md §4.2.
			delete(c.blocks, block.Hash)
			delete(c.byNumber[block.Number], block.Hash)
			logger.Error("failed to persist block stub, rolling back add", "hash", block.Hash.Hex(), "err", err)
			return NotAddedStoreWriteFailed
		}
	}

	if e.attached {
		return Added
	}
	return AddedDetached
}

// SetHead advances head to hash, per spec.md §4.1. hash must be stored
// and attached.
func (c *Cache) SetHead(hash types.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.blocks[hash]
	if !ok || !e.attached {
		return ErrUnknownHead{Hash: hash}
	}

	c.headHash = hash
	c.hasHead = true
	c.recomputeAttachmentLocked()
	c.ancestryCache.Purge()

	if minHeight, has := c.minimumHeightLocked(); has {
		c.pruneLocked(minHeight)
	}
	return nil
}

// pruneLocked removes every stored block at height <= minHeight,
// idempotently, and their descendants (which become detached and thus
// unreachable from head once their parent is gone).
func (c *Cache) pruneLocked(minHeight uint64) {
	var toPrune []types.Hash
	for hash, e := range c.blocks {
		if e.block.Number <= minHeight {
			toPrune = append(toPrune, hash)
		}
	}
	if len(toPrune) == 0 {
		return
	}

	var batch database.Batch
	if c.store != nil {
		batch = c.store.NewBatch(database.BlockStubNamespace)
	}
	for _, hash := range toPrune {
		e := c.blocks[hash]
		delete(c.blocks, hash)
		delete(c.byNumber[e.block.Number], hash)
		if len(c.byNumber[e.block.Number]) == 0 {
			delete(c.byNumber, e.block.Number)
		}
		if batch != nil {
			if err := batch.Delete(stubKey(hash)); err != nil {
				logger.Error("failed to stage block stub delete", "hash", hash.Hex(), "err", err)
			}
		}
	}
	if batch != nil {
		if err := batch.Write(); err != nil {
			logger.Error("failed to commit pruning batch", "err", err)
		}
	}

	// Descendants of a pruned block whose parent is now gone become
	// detached; sweep again so attachment state (and thus future
	// state_at queries) reflects it. Transitively pruning detached
	// blocks below minHeight+1 that can never reattach keeps the cache
	// from growing unboundedly across many reorgs.
	c.recomputeAttachmentLocked()
	var transitivelyDetached []types.Hash
	for hash, e := range c.blocks {
		if !e.attached && e.block.Number <= minHeight+1 {
			transitivelyDetached = append(transitivelyDetached, hash)
		}
	}
	for _, hash := range transitivelyDetached {
		e := c.blocks[hash]
		delete(c.blocks, hash)
		delete(c.byNumber[e.block.Number], hash)
		if len(c.byNumber[e.block.Number]) == 0 {
			delete(c.byNumber, e.block.Number)
		}
	}
}

// HasBlock reports whether hash is stored, optionally requiring it be
// attached.
func (c *Cache) HasBlock(hash types.Hash, mustBeAttached bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.blocks[hash]
	if !ok {
		return false
	}
	if mustBeAttached {
		return e.attached
	}
	return true
}

// GetBlock returns the stored block for hash.
func (c *Cache) GetBlock(hash types.Hash) (types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.blocks[hash]
	if !ok {
		return types.Block{}, ErrNotFound{Hash: hash}
	}
	return e.block, nil
}

// Head returns the current head block and whether one has been set.
func (c *Cache) Head() (types.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasHead {
		return types.Block{}, false
	}
	return c.blocks[c.headHash].block, true
}

// Ancestry returns a lazy iterator over hash's ancestry, from hash
// itself back to the deepest attached ancestor, per spec.md §4.1.
func (c *Cache) Ancestry(hash types.Hash) *AncestryIter {
	return &AncestryIter{cache: c, next: hash, started: false}
}

// AncestryIter lazily walks parent pointers starting at (and
// including) the block it was created from.
type AncestryIter struct {
	cache   *Cache
	next    types.Hash
	started bool
	done    bool
}

// Next returns the next block in the ancestry walk, or ok=false when
// the walk has reached a block whose parent is not stored.
func (it *AncestryIter) Next() (types.Block, bool) {
	if it.done {
		return types.Block{}, false
	}
	it.cache.mu.RLock()
	defer it.cache.mu.RUnlock()

	e, ok := it.cache.blocks[it.next]
	if !ok {
		it.done = true
		return types.Block{}, false
	}
	block := e.block
	it.next = block.ParentHash
	if _, ok := it.cache.blocks[it.next]; !ok {
		it.done = true
	}
	return block, true
}

// FindAncestor walks hash's ancestry (stopping at minHeight if given)
// and returns the first block matching predicate, per spec.md §4.1.
func (c *Cache) FindAncestor(hash types.Hash, minHeight *uint64, predicate func(types.Block) bool) (types.Block, bool) {
	it := c.Ancestry(hash)
	for {
		block, ok := it.Next()
		if !ok {
			return types.Block{}, false
		}
		if minHeight != nil && block.Number < *minHeight {
			return types.Block{}, false
		}
		if predicate(block) {
			return block, true
		}
		if minHeight != nil && block.Number == *minHeight {
			return types.Block{}, false
		}
	}
}

// GetConfirmations returns the number of blocks from headHash
// (inclusive) back to and including the block matched by contains,
// walking only headHash's ancestry; 0 if not found, per spec.md §4.1.
func (c *Cache) GetConfirmations(headHash types.Hash, contains func(types.Block) bool) uint32 {
	it := c.Ancestry(headHash)
	var depth uint32
	for {
		block, ok := it.Next()
		if !ok {
			return 0
		}
		depth++
		if contains(block) {
			return depth
		}
	}
}

// FindCommonAncestor returns the last common ancestor of a and b,
// ported from klaytn's db_manager.go FindCommonAncestor: equalize
// heights by walking the deeper chain back, then walk both back in
// lockstep until hashes match.
func (c *Cache) FindCommonAncestor(a, b types.Block) (types.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for a.Number > b.Number {
		e, ok := c.blocks[a.ParentHash]
		if !ok {
			return types.Block{}, false
		}
		a = e.block
	}
	for b.Number > a.Number {
		e, ok := c.blocks[b.ParentHash]
		if !ok {
			return types.Block{}, false
		}
		b = e.block
	}
	for a.Hash != b.Hash {
		ea, ok := c.blocks[a.ParentHash]
		if !ok {
			return types.Block{}, false
		}
		eb, ok := c.blocks[b.ParentHash]
		if !ok {
			return types.Block{}, false
		}
		a, b = ea.block, eb.block
	}
	return a, true
}

func stubKey(hash types.Hash) []byte {
	return append([]byte("stub/"), hash[:]...)
}
