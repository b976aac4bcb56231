package gasqueue

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrorizer1980/pisa/chain/types"
)

func identifier(to byte) types.PisaTransactionIdentifier {
	var addr types.Address
	addr[19] = to
	return types.PisaTransactionIdentifier{ChainID: big.NewInt(1), To: addr, Value: big.NewInt(0), GasLimit: 21000}
}

func TestAdd_AssignsContiguousNonces(t *testing.T) {
	q := New(5)
	q, err := q.Add(Request{AppointmentID: "a1"}, identifier(1), big.NewInt(10), nil)
	require.NoError(t, err)
	q, err = q.Add(Request{AppointmentID: "a2"}, identifier(2), big.NewInt(10), nil)
	require.NoError(t, err)

	require.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(5), q.Items()[0].Nonce)
	assert.Equal(t, uint64(6), q.Items()[1].Nonce)
}

func TestAdd_AppliesGasPriceFloor(t *testing.T) {
	q := New(0)
	q, err := q.Add(Request{}, identifier(1), big.NewInt(5), big.NewInt(20))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(20), q.Items()[0].GasPrice)
}

func TestAdd_RejectsDuplicateIdentifier(t *testing.T) {
	q := New(0)
	id := identifier(1)
	q, err := q.Add(Request{}, id, big.NewInt(10), nil)
	require.NoError(t, err)

	before := q
	_, err = q.Add(Request{}, id, big.NewInt(10), nil)
	assert.Equal(t, ErrDuplicate, err)
	assert.Equal(t, before, q, "a rejected Add must leave the original queue untouched")
}

func TestConsume_DropsConfirmedPrefixAndAdvancesBase(t *testing.T) {
	q := New(0)
	q, _ = q.Add(Request{}, identifier(1), big.NewInt(10), nil)
	q, _ = q.Add(Request{}, identifier(2), big.NewInt(10), nil)
	q, _ = q.Add(Request{}, identifier(3), big.NewInt(10), nil)

	q = q.Consume(1)
	assert.Equal(t, uint64(2), q.BaseNonce())
	require.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(2), q.Items()[0].Nonce)
}

func TestBump_PreservesNonceAndOtherItems(t *testing.T) {
	q := New(5)
	idA := identifier(1)
	q, _ = q.Add(Request{}, idA, big.NewInt(10), nil)

	q, err := q.Bump(idA, big.NewInt(12))
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(5), q.Items()[0].Nonce)
	assert.Equal(t, big.NewInt(12), q.Items()[0].GasPrice)
}

func TestBump_UnknownIdentifierFails(t *testing.T) {
	q := New(0)
	_, err := q.Bump(identifier(9), big.NewInt(1))
	assert.Equal(t, ErrUnknownIdentifier, err)
}

func TestReplaceFrom_OverlaysWithinRange(t *testing.T) {
	q := New(5)
	idA := identifier(1)
	q, _ = q.Add(Request{}, idA, big.NewInt(10), nil)

	replacement := Item{Identifier: identifier(2), Nonce: 5, GasPrice: big.NewInt(99)}
	q, err := q.ReplaceFrom([]Item{replacement})
	require.NoError(t, err)
	assert.Equal(t, identifier(2).Key(), q.Items()[0].Identifier.Key())
}

func TestReplaceFrom_RejectsOutOfRangeNonce(t *testing.T) {
	q := New(5)
	q, _ = q.Add(Request{}, identifier(1), big.NewInt(10), nil)

	_, err := q.ReplaceFrom([]Item{{Identifier: identifier(2), Nonce: 99, GasPrice: big.NewInt(1)}})
	assert.Equal(t, ErrNonceOutOfRange, err)
}

func TestDifference_ReportsNewAndBumpedItems(t *testing.T) {
	older := New(5)
	older, _ = older.Add(Request{}, identifier(1), big.NewInt(10), nil)

	newer, _ := older.Add(Request{}, identifier(2), big.NewInt(10), nil)
	newer, err := newer.Bump(identifier(1), big.NewInt(15))
	require.NoError(t, err)

	diff := newer.Difference(older)
	require.Len(t, diff, 2)
	keys := map[string]bool{diff[0].Identifier.Key(): true, diff[1].Identifier.Key(): true}
	assert.True(t, keys[identifier(1).Key()])
	assert.True(t, keys[identifier(2).Key()])
}

func TestDifference_EmptyWhenUnchanged(t *testing.T) {
	q := New(5)
	q, _ = q.Add(Request{}, identifier(1), big.NewInt(10), nil)
	assert.Empty(t, q.Difference(q))
}
