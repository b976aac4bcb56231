package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/storage/database"
)

func hash(b byte) types.Hash {
	var h types.Hash
	h[31] = b
	return h
}

func block(number uint64, self, parent byte) types.Block {
	return types.Block{BlockStub: types.BlockStub{Hash: hash(self), Number: number, ParentHash: hash(parent)}}
}

// heightSum sums block numbers along the ancestry: a minimal reducer
// exercising both Initial and Reduce.
type heightSum struct{}

func (heightSum) Initial(b types.Block) int64        { return int64(b.Number) }
func (heightSum) Reduce(prev int64, b types.Block) int64 { return prev + int64(b.Number) }

func newTestFramework(t *testing.T, maxDepth uint64) (*Framework[int64], *blockcache.Cache) {
	t.Helper()
	cache := blockcache.New(maxDepth, database.NewMemoryDBManager())
	f := New[int64](cache, heightSum{}, database.NewMemoryDBManager(), "heightsum")
	return f, cache
}

func TestStateAt_RootIsInitial(t *testing.T) {
	f, cache := newTestFramework(t, 10)
	b0 := block(0, 1, 0)
	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))

	s, err := f.StateAt(b0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s)
}

func TestStateAt_FoldsAlongAncestry(t *testing.T) {
	f, cache := newTestFramework(t, 10)
	b0 := block(0, 1, 0)
	b1 := block(1, 2, 1)
	b2 := block(2, 3, 2)
	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))
	require.Equal(t, blockcache.Added, cache.AddBlock(b1))
	require.NoError(t, cache.SetHead(b1.Hash))
	require.Equal(t, blockcache.Added, cache.AddBlock(b2))
	require.NoError(t, cache.SetHead(b2.Hash))

	s, err := f.StateAt(b2)
	require.NoError(t, err)
	assert.Equal(t, int64(0+1+2), s)
}

func TestStateAt_MemoizesAcrossCalls(t *testing.T) {
	f, cache := newTestFramework(t, 10)
	b0 := block(0, 1, 0)
	b1 := block(1, 2, 1)
	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))
	require.Equal(t, blockcache.Added, cache.AddBlock(b1))
	require.NoError(t, cache.SetHead(b1.Hash))

	s1, err := f.StateAt(b1)
	require.NoError(t, err)
	s2, err := f.StateAt(b1)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	_, cached := f.states[b1.Hash]
	assert.True(t, cached, "second call should hit the memoized map, not recompute")
}

func TestAdvance_BootstrapDiffsAgainstSelf(t *testing.T) {
	f, cache := newTestFramework(t, 10)
	b0 := block(0, 1, 0)
	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))

	prev, next, err := f.Advance(b0)
	require.NoError(t, err)
	assert.Equal(t, next, prev, "the first-ever Advance has no real previous head to diff against")
}

func TestAdvance_NoReorgDiffsAgainstPrevHead(t *testing.T) {
	f, cache := newTestFramework(t, 10)
	b0 := block(0, 1, 0)
	b1 := block(1, 2, 1)
	b2 := block(2, 3, 2)
	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))
	require.Equal(t, blockcache.Added, cache.AddBlock(b1))
	require.NoError(t, cache.SetHead(b1.Hash))
	require.Equal(t, blockcache.Added, cache.AddBlock(b2))
	require.NoError(t, cache.SetHead(b2.Hash))

	_, _, err := f.Advance(b1)
	require.NoError(t, err)

	prev, next, err := f.Advance(b2)
	require.NoError(t, err)
	assert.Equal(t, int64(0+1), prev)
	assert.Equal(t, int64(0+1+2), next)
}

func TestAdvance_ReorgDiffsFromForkPoint(t *testing.T) {
	f, cache := newTestFramework(t, 10)
	b0 := block(0, 1, 0)
	a1 := block(1, 10, 1)
	b1 := block(1, 20, 1)
	b2 := block(2, 21, 20)

	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))
	require.Equal(t, blockcache.Added, cache.AddBlock(a1))
	require.NoError(t, cache.SetHead(a1.Hash))

	_, _, err := f.Advance(a1)
	require.NoError(t, err)

	require.Equal(t, blockcache.Added, cache.AddBlock(b1))
	require.Equal(t, blockcache.Added, cache.AddBlock(b2))
	require.NoError(t, cache.SetHead(b2.Hash))

	prev, next, err := f.Advance(b2)
	require.NoError(t, err)
	// fork point is b0 (the shared parent), not the stale branch head a1:
	// diffing from a1's state (0+1=1) would double-count height 1 on the
	// new branch via b1.
	assert.Equal(t, int64(0), prev)
	assert.Equal(t, int64(0+1+2), next)
}

func TestForget_DropsMemoizedState(t *testing.T) {
	f, cache := newTestFramework(t, 10)
	b0 := block(0, 1, 0)
	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))

	_, err := f.StateAt(b0)
	require.NoError(t, err)
	_, cached := f.states[b0.Hash]
	require.True(t, cached)

	f.Forget(b0.Hash)
	_, cached = f.states[b0.Hash]
	assert.False(t, cached)
}

func TestStateAt_SurvivesRestartViaPersistence(t *testing.T) {
	cache := blockcache.New(uint64(10), database.NewMemoryDBManager())
	store := database.NewMemoryDBManager()
	f1 := New[int64](cache, heightSum{}, store, "heightsum")

	b0 := block(0, 1, 0)
	b1 := block(1, 2, 1)
	require.Equal(t, blockcache.Added, cache.AddBlock(b0))
	require.NoError(t, cache.SetHead(b0.Hash))
	require.Equal(t, blockcache.Added, cache.AddBlock(b1))
	require.NoError(t, cache.SetHead(b1.Hash))

	_, err := f1.StateAt(b1)
	require.NoError(t, err)

	// A fresh framework over the same store should reload rather than
	// recompute, per spec.md §4.2's restart-recovery guarantee.
	f2 := New[int64](cache, heightSum{}, store, "heightsum")
	s, err := f2.StateAt(b1)
	require.NoError(t, err)
	assert.Equal(t, int64(0+1), s)
	_, cached := f2.states[b1.Hash]
	assert.True(t, cached)
}
