package blockprocessor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/chain/provider"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/storage/database"
)

// fakeProvider is an in-memory provider.Provider backed by a linear
// chain of blocks, built by the test; it never reorgs on its own.
type fakeProvider struct {
	mu       sync.Mutex
	byNumber map[uint64]types.Block
	byHash   map[types.Hash]types.Block
	head     uint64
	subs     map[*fakeSub]struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		byNumber: make(map[uint64]types.Block),
		byHash:   make(map[types.Hash]types.Block),
		subs:     make(map[*fakeSub]struct{}),
	}
}

func fakeHash(n uint64) types.Hash {
	var h types.Hash
	h[24] = byte(n >> 32)
	h[28] = byte(n >> 24)
	h[29] = byte(n >> 16)
	h[30] = byte(n >> 8)
	h[31] = byte(n)
	return h
}

// appendBlock adds block n to the chain (parent n-1) and notifies
// subscribers, simulating a new remote block arriving.
func (p *fakeProvider) appendBlock(n uint64) types.Block {
	p.mu.Lock()
	var parentHash types.Hash
	if n > 0 {
		parentHash = fakeHash(n - 1)
	}
	b := types.Block{BlockStub: types.BlockStub{Hash: fakeHash(n), Number: n, ParentHash: parentHash}}
	p.byNumber[n] = b
	p.byHash[b.Hash] = b
	p.head = n
	subs := make([]*fakeSub, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.ch <- n
	}
	return b
}

// registerBlock makes block n fetchable without notifying subscribers,
// simulating blocks that exist remotely but whose individual
// notifications never reached this processor.
func (p *fakeProvider) registerBlock(n uint64) types.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	var parentHash types.Hash
	if n > 0 {
		parentHash = fakeHash(n - 1)
	}
	b := types.Block{BlockStub: types.BlockStub{Hash: fakeHash(n), Number: n, ParentHash: parentHash}}
	p.byNumber[n] = b
	p.byHash[b.Hash] = b
	if n > p.head {
		p.head = n
	}
	return b
}

func (p *fakeProvider) BlockByHash(ctx context.Context, hash types.Hash, includeTxs bool) (*types.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byHash[hash]
	if !ok {
		return nil, provider.ErrBlockNotFound
	}
	return &b, nil
}

func (p *fakeProvider) BlockByNumber(ctx context.Context, number uint64, includeTxs bool) (*types.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byNumber[number]
	if !ok {
		return nil, provider.ErrBlockNotFound
	}
	return &b, nil
}

func (p *fakeProvider) TransactionReceipt(ctx context.Context, hash types.Hash) (*types.Receipt, error) {
	return nil, provider.ErrBlockNotFound
}

func (p *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head, nil
}

func (p *fakeProvider) FilterLogs(ctx context.Context, blockHash types.Hash) ([]types.Log, error) {
	return nil, nil
}

func (p *fakeProvider) NonceAt(ctx context.Context, addr types.Address) (uint64, error) {
	return 0, nil
}

func (p *fakeProvider) BalanceAt(ctx context.Context, addr types.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (p *fakeProvider) EstimateGas(ctx context.Context, tx types.Transaction) (uint64, error) {
	return 21000, nil
}

func (p *fakeProvider) SendRawTransaction(ctx context.Context, signed []byte) (types.Hash, error) {
	return types.Hash{}, nil
}

type fakeSub struct {
	p      *fakeProvider
	ch     chan<- uint64
	errCh  chan error
	closed bool
}

func (s *fakeSub) Unsubscribe() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.p.subs, s)
	close(s.errCh)
}

func (s *fakeSub) Err() <-chan error { return s.errCh }

func (p *fakeProvider) SubscribeNewHead(ctx context.Context, ch chan<- uint64) (provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSub{p: p, ch: ch, errCh: make(chan error, 1)}
	p.subs[s] = struct{}{}
	return s, nil
}

func newTestProcessor(t *testing.T, maxDepth uint64) (*Processor, *fakeProvider, *blockcache.Cache) {
	t.Helper()
	fp := newFakeProvider()
	fp.appendBlock(0)
	cache := blockcache.New(maxDepth, database.NewMemoryDBManager())
	proc := New(fp, cache, database.NewMemoryDBManager(), maxDepth)
	return proc, fp, cache
}

func TestStart_SeedsHeadFromProvider(t *testing.T) {
	proc, fp, cache := newTestProcessor(t, 5)
	fp.appendBlock(1)

	require.NoError(t, proc.Start(context.Background()))
	defer proc.Stop()

	head, ok := cache.Head()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), head.Number)
}

func TestStartStop_LifecycleStates(t *testing.T) {
	proc, _, _ := newTestProcessor(t, 5)
	assert.Equal(t, Stopped, proc.State())

	require.NoError(t, proc.Start(context.Background()))
	assert.Equal(t, Running, proc.State())

	err := proc.Start(context.Background())
	assert.Error(t, err, "starting twice should fail")

	proc.Stop()
	assert.Equal(t, Stopped, proc.State())
}

func TestSubscribeNewHead_OnlyValidWhileRunning(t *testing.T) {
	proc, _, _ := newTestProcessor(t, 5)
	ch := make(chan types.Block, 1)

	_, err := proc.SubscribeNewHead(ch)
	assert.Equal(t, ErrNotRunning, err)

	require.NoError(t, proc.Start(context.Background()))
	defer proc.Stop()
	_, err = proc.SubscribeNewHead(ch)
	assert.NoError(t, err)
}

func TestNewBlockNotification_PromotesHeadAndPublishes(t *testing.T) {
	proc, fp, cache := newTestProcessor(t, 5)
	require.NoError(t, proc.Start(context.Background()))
	defer proc.Stop()

	ch := make(chan types.Block, 4)
	_, err := proc.SubscribeNewHead(ch)
	require.NoError(t, err)

	fp.appendBlock(1)

	select {
	case b := <-ch:
		assert.Equal(t, uint64(1), b.Number)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for new-head event")
	}

	head, ok := cache.Head()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), head.Number)
}

func TestProcessBlockNumber_ColdStartJumpsStraightToTip(t *testing.T) {
	proc, fp, cache := newTestProcessor(t, 2)
	for i := uint64(1); i <= 6; i++ {
		fp.appendBlock(i)
	}

	// A cold start (empty cache, no persisted head) seeds directly at
	// the provider's current height rather than replaying from genesis:
	// cap = n when the cache is empty, so the first call is never
	// "behind" per spec.md §4.3.
	require.NoError(t, proc.Start(context.Background()))
	defer proc.Stop()

	head, ok := cache.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(6), head.Number)
	assert.False(t, cache.HasBlock(fakeHash(3), false), "cold start must not walk back to earlier blocks")
}

func TestProcessBlockNumber_CatchesUpInMaxDepthSteps(t *testing.T) {
	proc, fp, cache := newTestProcessor(t, 2)
	fp.appendBlock(1)
	require.NoError(t, proc.Start(context.Background()))
	defer proc.Stop()

	head, ok := cache.Head()
	require.True(t, ok)
	require.Equal(t, uint64(1), head.Number)

	ch := make(chan types.Block, 8)
	_, err := proc.SubscribeNewHead(ch)
	require.NoError(t, err)

	// All the intermediate blocks exist remotely but only a single
	// notification for the tip (6) arrives: a single
	// process_block_number(6) call must advance head in max_depth=2
	// lockstep (cap 1+2=3, then 3+2=5, then 6) rather than jump straight
	// there.
	for i := uint64(2); i <= 6; i++ {
		fp.registerBlock(i)
	}
	proc.subCh <- 6

	deadline := time.After(2 * time.Second)
	var lastSeen uint64
	for lastSeen != 6 {
		select {
		case b := <-ch:
			lastSeen = b.Number
		case <-deadline:
			t.Fatalf("timed out waiting for catch-up, last seen head %d", lastSeen)
		}
	}

	head, ok = cache.Head()
	require.True(t, ok)
	assert.Equal(t, uint64(6), head.Number)
}
