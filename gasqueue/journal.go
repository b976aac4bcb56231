package gasqueue

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"math/big"
	"sync"

	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/log"
	"github.com/terrorizer1980/pisa/storage/database"
)

var logger = log.NewModuleLogger(log.GasQueue)

// SnapshotInterval is how many journalled mutations accumulate before
// Journal folds them into a fresh snapshot and discards the replayed
// log, mirroring bridgeTxJournal.rotate's periodic-rewrite role but
// triggered by entry count rather than a wall-clock ticker; no
// component runs a rotation ticker.
const SnapshotInterval = 64

var snapshotKey = []byte("snapshot")

type mutationKind uint8

const (
	mutationAdd mutationKind = iota
	mutationConsume
	mutationBump
	mutationReplace
)

// queueSnapshot is Queue's gob-visible shadow: Queue's own fields are
// unexported (to keep it an immutable value type to callers outside
// the package), so persistence encodes/decodes this instead.
type queueSnapshot struct {
	BaseNonce uint64
	Items     []Item
}

// mutation is one journalled Queue operation, gob-encoded and appended
// under an increasing sequence key.
type mutation struct {
	Kind         mutationKind
	Request      Request
	Identifier   types.PisaTransactionIdentifier
	GasPrice     *big.Int
	Confirmed    uint64
	Replacements []Item
}

// Journal persists every Queue mutation append-only, per spec.md §6's
// "responder" namespace, replaying into a Queue on restart before the
// reducer framework replays the latest head.
type Journal struct {
	store database.DBManager

	mu  sync.Mutex
	seq uint64
	// sinceSnapshot counts mutations appended since the last snapshot,
	// reset by Snapshot.
	sinceSnapshot int
}

// NewJournal returns a Journal backed by store. store may be nil to
// disable persistence entirely (tests, or an operator who accepts
// losing the queue across restarts).
func NewJournal(store database.DBManager) *Journal {
	return &Journal{store: store}
}

// Load reconstructs a Queue from the last snapshot plus every mutation
// journalled since, per spec.md §6. Returns an empty Queue (base nonce
// 0) if nothing is persisted.
func (j *Journal) Load() (Queue, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	q := Queue{}
	if j.store == nil {
		return q, nil
	}

	if raw, err := j.store.Get(database.ResponderJournalNamespace, snapshotKey); err == nil {
		var snap queueSnapshot
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
			return Queue{}, err
		}
		q = Queue{baseNonce: snap.BaseNonce, items: snap.Items}
	} else if err != database.ErrNotFound {
		return Queue{}, err
	}

	var maxSeq uint64
	var sawAny bool
	err := j.store.Iterate(database.ResponderJournalNamespace, []byte("op/"), func(key, value []byte) error {
		var m mutation
		if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&m); err != nil {
			return err
		}
		q = applyMutation(q, m)
		seq := decodeSeq(key)
		if !sawAny || seq > maxSeq {
			maxSeq, sawAny = seq, true
		}
		return nil
	})
	if err != nil {
		return Queue{}, err
	}

	if sawAny {
		j.seq = maxSeq + 1
		j.sinceSnapshot = int(maxSeq + 1)
	}
	return q, nil
}

func applyMutation(q Queue, m mutation) Queue {
	switch m.Kind {
	case mutationAdd:
		next, err := q.Add(m.Request, m.Identifier, m.GasPrice, nil)
		if err != nil {
			logger.Error("journal replay: add failed", "err", err)
			return q
		}
		return next
	case mutationConsume:
		return q.Consume(m.Confirmed)
	case mutationBump:
		next, err := q.Bump(m.Identifier, m.GasPrice)
		if err != nil {
			logger.Error("journal replay: bump failed", "err", err)
			return q
		}
		return next
	case mutationReplace:
		next, err := q.ReplaceFrom(m.Replacements)
		if err != nil {
			logger.Error("journal replay: replace failed", "err", err)
			return q
		}
		return next
	default:
		return q
	}
}

func (j *Journal) append(m mutation, current Queue) error {
	if j.store == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return err
	}
	key := append([]byte("op/"), encodeSeq(j.seq)...)
	if err := j.store.Put(database.ResponderJournalNamespace, key, buf.Bytes()); err != nil {
		return err
	}
	j.seq++
	j.sinceSnapshot++

	if j.sinceSnapshot >= SnapshotInterval {
		if err := j.snapshotLocked(current); err != nil {
			logger.Error("failed to rotate responder journal", "err", err)
		}
	}
	return nil
}

// snapshotLocked writes current as the new snapshot and discards every
// journalled op, all in one batch so a crash mid-rotation never loses
// mutations (the old ops and the new snapshot are never both absent).
func (j *Journal) snapshotLocked(current Queue) error {
	var buf bytes.Buffer
	snap := queueSnapshot{BaseNonce: current.baseNonce, Items: current.items}
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return err
	}

	batch := j.store.NewBatch(database.ResponderJournalNamespace)
	if err := batch.Put(snapshotKey, buf.Bytes()); err != nil {
		return err
	}
	for seq := uint64(0); seq < j.seq; seq++ {
		if err := batch.Delete(append([]byte("op/"), encodeSeq(seq)...)); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}

	j.seq = 0
	j.sinceSnapshot = 0
	return nil
}

// AppendAdd journals an Add mutation after it has already been applied
// to current (the queue resulting from that Add).
func (j *Journal) AppendAdd(req Request, identifier types.PisaTransactionIdentifier, gasPrice *big.Int, current Queue) error {
	return j.append(mutation{Kind: mutationAdd, Request: req, Identifier: identifier, GasPrice: gasPrice}, current)
}

// AppendConsume journals a Consume mutation.
func (j *Journal) AppendConsume(confirmed uint64, current Queue) error {
	return j.append(mutation{Kind: mutationConsume, Confirmed: confirmed}, current)
}

// AppendBump journals a Bump mutation.
func (j *Journal) AppendBump(identifier types.PisaTransactionIdentifier, gasPrice *big.Int, current Queue) error {
	return j.append(mutation{Kind: mutationBump, Identifier: identifier, GasPrice: gasPrice}, current)
}

// AppendReplace journals a ReplaceFrom mutation.
func (j *Journal) AppendReplace(replacements []Item, current Queue) error {
	return j.append(mutation{Kind: mutationReplace, Replacements: replacements}, current)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(key []byte) uint64 {
	if len(key) < 11 {
		return 0
	}
	return binary.BigEndian.Uint64(key[3:11])
}
