package watch

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/storage/database"
)

var responderAddr = types.Address{0xAA}
var otherAddr = types.Address{0xBB}

func ident(to byte) types.PisaTransactionIdentifier {
	var addr types.Address
	addr[19] = to
	return types.PisaTransactionIdentifier{ChainID: big.NewInt(1), To: addr, Value: big.NewInt(0), GasLimit: 21000}
}

func hash(b byte) types.Hash {
	var h types.Hash
	h[31] = b
	return h
}

func matchingTx(id types.PisaTransactionIdentifier, from types.Address, nonce uint64) types.Transaction {
	return types.Transaction{From: from, To: id.To, ChainID: id.ChainID, Value: id.Value, GasLimit: id.GasLimit, Nonce: nonce}
}

func block(number uint64, self, parent byte, txs ...types.Transaction) types.Block {
	return types.Block{BlockStub: types.BlockStub{Hash: hash(self), Number: number, ParentHash: hash(parent)}, Transactions: txs}
}

func addAndHead(t *testing.T, cache *blockcache.Cache, b types.Block) {
	t.Helper()
	res := cache.AddBlock(b)
	require.True(t, res == blockcache.Added || res == blockcache.AddedDetached)
	require.NoError(t, cache.SetHead(b.Hash))
}

func TestAdvance_PendingStaysIdempotentlyReEnqueued(t *testing.T) {
	cache := blockcache.New(uint64(10), database.NewMemoryDBManager())
	w := New(cache)

	b0 := block(0, 1, 0)
	addAndHead(t, cache, b0)
	w.Register("app1", responderAddr, ident(1), 10, 0, 5)

	actions, err := w.Advance(b0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	re, ok := actions[0].(ReEnqueueMissingItems)
	require.True(t, ok)
	assert.Equal(t, []string{"app1"}, re.AppointmentIDs)

	b1 := block(1, 2, 1)
	addAndHead(t, cache, b1)
	actions, err = w.Advance(b1)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, ok = actions[0].(ReEnqueueMissingItems)
	assert.True(t, ok, "still pending at the next head must re-enqueue again")
}

func TestAdvance_TransitionToMinedEmitsTxMinedAndBalance(t *testing.T) {
	cache := blockcache.New(uint64(10), database.NewMemoryDBManager())
	w := New(cache)

	b0 := block(0, 1, 0)
	addAndHead(t, cache, b0)
	w.Register("app1", responderAddr, ident(1), 10, 0, 5)
	_, err := w.Advance(b0)
	require.NoError(t, err)

	b1 := block(1, 2, 1, matchingTx(ident(1), responderAddr, 7))
	addAndHead(t, cache, b1)

	actions, err := w.Advance(b1)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	mined, ok := actions[0].(TxMined)
	require.True(t, ok)
	assert.Equal(t, "app1", mined.AppointmentID)
	assert.Equal(t, uint64(7), mined.Nonce)
	_, ok = actions[1].(CheckResponderBalance)
	assert.True(t, ok)
}

func TestAdvance_WrongFromAddressStaysPending(t *testing.T) {
	cache := blockcache.New(uint64(10), database.NewMemoryDBManager())
	w := New(cache)

	b0 := block(0, 1, 0)
	addAndHead(t, cache, b0)
	w.Register("app1", responderAddr, ident(1), 10, 0, 5)
	_, err := w.Advance(b0)
	require.NoError(t, err)

	b1 := block(1, 2, 1, matchingTx(ident(1), otherAddr, 7))
	addAndHead(t, cache, b1)

	actions, err := w.Advance(b1)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, ok := actions[0].(ReEnqueueMissingItems)
	assert.True(t, ok, "a tx from the wrong address must not trigger TxMined")
}

func TestAdvance_NewlyObservedAlreadyMinedEmitsTxMined(t *testing.T) {
	cache := blockcache.New(uint64(10), database.NewMemoryDBManager())
	w := New(cache)

	b0 := block(0, 1, 0, matchingTx(ident(1), responderAddr, 3))
	addAndHead(t, cache, b0)

	// The appointment is registered after the mining block is already
	// the head: Initial must find it directly via the ancestry scan,
	// and the first-ever Advance must still report it as newly mined.
	w.Register("app1", responderAddr, ident(1), 10, 0, 5)

	actions, err := w.Advance(b0)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	mined, ok := actions[0].(TxMined)
	require.True(t, ok)
	assert.Equal(t, uint64(3), mined.Nonce)
}

func TestAdvance_EndResponseAtRequiredConfirmationsAndStopsTracking(t *testing.T) {
	cache := blockcache.New(uint64(20), database.NewMemoryDBManager())
	w := New(cache)

	b0 := block(0, 1, 0)
	addAndHead(t, cache, b0)
	w.Register("app1", responderAddr, ident(1), 20, 0, 5)
	_, err := w.Advance(b0)
	require.NoError(t, err)

	b3 := block(3, 4, 1, matchingTx(ident(1), responderAddr, 1))
	addAndHead(t, cache, b3)
	actions, err := w.Advance(b3)
	require.NoError(t, err)
	require.Len(t, actions, 2) // TxMined + CheckResponderBalance, not yet confirmed

	b8 := block(8, 9, 4)
	addAndHead(t, cache, b8)
	actions, err = w.Advance(b8)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	end, ok := actions[0].(EndResponse)
	require.True(t, ok)
	assert.Equal(t, "app1", end.AppointmentID)

	assert.False(t, w.Tracking("app1"), "EndResponse must drop tracking")

	// A further head must not repeat EndResponse for a dropped appointment.
	b9 := block(9, 10, 9)
	addAndHead(t, cache, b9)
	actions, err = w.Advance(b9)
	require.NoError(t, err)
	assert.Empty(t, actions)
}
