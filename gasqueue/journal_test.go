package gasqueue

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrorizer1980/pisa/storage/database"
)

func TestJournal_LoadEmptyStoreYieldsEmptyQueue(t *testing.T) {
	j := NewJournal(database.NewMemoryDBManager())
	q, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(0), q.BaseNonce())
}

func TestJournal_ReplaysAppendedMutations(t *testing.T) {
	store := database.NewMemoryDBManager()
	j := NewJournal(store)

	q := New(0)
	q, err := q.Add(Request{AppointmentID: "a1"}, identifier(1), big.NewInt(10), nil)
	require.NoError(t, err)
	require.NoError(t, j.AppendAdd(Request{AppointmentID: "a1"}, identifier(1), q.Items()[0].GasPrice, q))

	q, err = q.Add(Request{AppointmentID: "a2"}, identifier(2), big.NewInt(10), nil)
	require.NoError(t, err)
	require.NoError(t, j.AppendAdd(Request{AppointmentID: "a2"}, identifier(2), q.Items()[1].GasPrice, q))

	q, err = q.Bump(identifier(1), big.NewInt(20))
	require.NoError(t, err)
	require.NoError(t, j.AppendBump(identifier(1), big.NewInt(20), q))

	j2 := NewJournal(store)
	restored, err := j2.Load()
	require.NoError(t, err)

	require.Equal(t, 2, restored.Len())
	item, ok := restored.Get(identifier(1))
	require.True(t, ok)
	assert.Equal(t, big.NewInt(20), item.GasPrice)
}

func TestJournal_ConsumeReplayAdvancesBaseNonce(t *testing.T) {
	store := database.NewMemoryDBManager()
	j := NewJournal(store)

	q := New(0)
	q, _ = q.Add(Request{}, identifier(1), big.NewInt(10), nil)
	require.NoError(t, j.AppendAdd(Request{}, identifier(1), q.Items()[0].GasPrice, q))

	q = q.Consume(0)
	require.NoError(t, j.AppendConsume(0, q))

	j2 := NewJournal(store)
	restored, err := j2.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), restored.BaseNonce())
	assert.Equal(t, 0, restored.Len())
}

func TestJournal_SnapshotsAfterIntervalAndTruncatesLog(t *testing.T) {
	store := database.NewMemoryDBManager()
	j := NewJournal(store)

	q := New(0)
	for i := byte(0); i < SnapshotInterval+3; i++ {
		var err error
		q, err = q.Add(Request{}, identifier(i), big.NewInt(10), nil)
		require.NoError(t, err)
		require.NoError(t, j.AppendAdd(Request{}, identifier(i), q.Items()[len(q.Items())-1].GasPrice, q))
	}

	// After rotation, the op log under "op/" should be empty: everything
	// prior to the rotation folded into the snapshot key.
	var opCount int
	err := store.Iterate(database.ResponderJournalNamespace, []byte("op/"), func(key, value []byte) error {
		opCount++
		return nil
	})
	require.NoError(t, err)
	assert.Less(t, opCount, int(SnapshotInterval), "rotation should have discarded the replayed ops")

	j2 := NewJournal(store)
	restored, err := j2.Load()
	require.NoError(t, err)
	assert.Equal(t, int(SnapshotInterval+3), restored.Len())
}

func TestJournal_NilStoreIsANoop(t *testing.T) {
	j := NewJournal(nil)
	q, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, j.AppendAdd(Request{}, identifier(1), big.NewInt(1), q))
}
