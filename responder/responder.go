// Package responder implements the Multi-Responder of spec.md §4.6:
// the sole writer of one signing wallet's transactions, translating
// responder/watch's actions into gasqueue.Queue mutations and
// broadcasts. Grounded on klaytn's node/sc/bridge_tx_pool.go
// (RWMutex-guarded pool state, a loop()/Stop()/closed-channel
// goroutine lifecycle) and node/sc/mainbridge.go's service-lifecycle
// wiring.
package responder

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/terrorizer1980/pisa/chain/provider"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/gasqueue"
	"github.com/terrorizer1980/pisa/log"
	"github.com/terrorizer1980/pisa/metrics"
	"github.com/terrorizer1980/pisa/responder/watch"
)

var logger = log.NewModuleLogger(log.Responder)

var (
	broadcastCounter = metrics.NewRegisteredCounter("responder/broadcast", nil)
	refusedCounter   = metrics.NewRegisteredCounter("responder/refused", nil)
	stuckGauge       = metrics.NewRegisteredGauge("responder/stuck", nil)
	queueDepthGauge  = metrics.NewRegisteredGauge("responder/queueDepth", nil)
)

// AppointmentSource resolves an appointmentId back to the data needed
// to rebuild its queue item: the Responder Component's
// ReEnqueueMissingItems action only ever carries appointmentIds, per
// spec.md §4.6.
type AppointmentSource interface {
	Lookup(appointmentID string) (identifier types.PisaTransactionIdentifier, deadlineBlock uint64, ok bool)
}

type broadcastJob struct {
	ctx  context.Context
	item gasqueue.Item
}

// Responder is the Multi-Responder: it owns the signing wallet, the
// gas queue, and the journal, and is the only component in the system
// permitted to sign and broadcast, per spec.md §5.
type Responder struct {
	prov         provider.Provider
	signer       Signer
	appointments AppointmentSource
	journal      *gasqueue.Journal
	config       Config

	mu    sync.Mutex
	queue gasqueue.Queue
	stuck map[string]bool

	broadcast chan broadcastJob
	wg        sync.WaitGroup
	closed    chan struct{}
}

// New loads the queue from journal and reconciles it against the
// signer's on-chain transaction count, per Open Question decision (ii)
// in DESIGN.md: a reorg that displaced our mined transactions, or a
// journal that has fallen behind reality, is recovered by refreshing
// pending_nonce from the provider and consuming whatever the chain has
// already superseded.
func New(ctx context.Context, prov provider.Provider, signer Signer, appointments AppointmentSource, journal *gasqueue.Journal, config Config) (*Responder, error) {
	config = config.sanitize()

	q, err := journal.Load()
	if err != nil {
		return nil, err
	}

	nonce, err := prov.NonceAt(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	switch {
	case nonce > q.BaseNonce():
		if nonce > 0 {
			q = q.Consume(nonce - 1)
		}
		if q.BaseNonce() < nonce {
			q = gasqueue.New(nonce)
		}
	case nonce < q.BaseNonce():
		logger.Warn("provider nonce behind journal base nonce, trusting journal", "providerNonce", nonce, "journalBaseNonce", q.BaseNonce())
	}

	r := &Responder{
		prov:         prov,
		signer:       signer,
		appointments: appointments,
		journal:      journal,
		config:       config,
		queue:        q,
		stuck:        make(map[string]bool),
		broadcast:    make(chan broadcastJob, 64),
		closed:       make(chan struct{}),
	}
	queueDepthGauge.Update(int64(q.Len()))
	return r, nil
}

// Start launches the broadcaster goroutine. Broadcasting runs off the
// caller's new-head dispatch goroutine so a slow or failing provider
// call never blocks the reducer framework, matching spec.md §4.6's
// "broadcast is fire-and-forget at this layer."
func (r *Responder) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Responder) loop() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.broadcast:
			r.send(job)
		case <-r.closed:
			r.drain()
			return
		}
	}
}

// drain sends every broadcast job already queued before Stop returns,
// so a shutdown never silently drops a broadcast that HandleActions
// already committed to the queue and journal.
func (r *Responder) drain() {
	for {
		select {
		case job := <-r.broadcast:
			r.send(job)
		default:
			return
		}
	}
}

// Stop terminates the broadcaster goroutine, draining whatever is
// already in flight first.
func (r *Responder) Stop() {
	close(r.closed)
	r.wg.Wait()
}

func (r *Responder) send(job broadcastJob) {
	tx := types.Transaction{
		From:     r.signer.Address(),
		To:       job.item.Identifier.To,
		ChainID:  job.item.Identifier.ChainID,
		Value:    job.item.Identifier.Value,
		GasLimit: job.item.Identifier.GasLimit,
		GasPrice: job.item.GasPrice,
		Nonce:    job.item.Nonce,
	}
	if job.item.Identifier.Data != "" {
		data, err := hex.DecodeString(job.item.Identifier.Data)
		if err != nil {
			logger.Error("bad identifier calldata, skipping broadcast", "appointmentId", job.item.Request.AppointmentID, "err", err)
			return
		}
		tx.Data = data
	}

	signed, err := r.signer.SignTransaction(tx)
	if err != nil {
		logger.Error("failed to sign response transaction", "appointmentId", job.item.Request.AppointmentID, "err", err)
		refusedCounter.Inc(1)
		return
	}
	if _, err := r.prov.SendRawTransaction(job.ctx, signed); err != nil {
		// The reducer framework observing a mined transaction, not the
		// network ack, is the source of truth for "is this mined" —
		// a failed broadcast here is simply retried on the next bump.
		logger.Warn("broadcast failed, will retry on next bump", "appointmentId", job.item.Request.AppointmentID, "err", err)
		refusedCounter.Inc(1)
		return
	}
	broadcastCounter.Inc(1)
}

func (r *Responder) broadcastDiff(ctx context.Context, diff []gasqueue.Item) {
	for _, it := range diff {
		select {
		case r.broadcast <- broadcastJob{ctx: ctx, item: it}:
		default:
			logger.Warn("broadcast channel full, dropping; next bump retries", "appointmentId", it.Request.AppointmentID)
		}
	}
}

// Enqueue inserts a newly accepted appointment's response transaction
// and broadcasts it, grounded on BridgeTxPool.AddLocal.
func (r *Responder) Enqueue(ctx context.Context, appointmentID string, identifier types.PisaTransactionIdentifier, deadlineBlock uint64) error {
	r.mu.Lock()
	req := gasqueue.Request{AppointmentID: appointmentID, DeadlineBlock: deadlineBlock}
	prev := r.queue
	next, err := r.queue.Add(req, identifier, r.config.InitialGasPrice, r.config.InitialGasPrice)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.queue = next
	if err := r.journal.AppendAdd(req, identifier, r.config.InitialGasPrice, r.queue); err != nil {
		logger.Error("failed to journal enqueue", "appointmentId", appointmentID, "err", err)
	}
	diff := r.queue.Difference(prev)
	queueDepthGauge.Update(int64(r.queue.Len()))
	r.mu.Unlock()

	r.broadcastDiff(ctx, diff)
	return nil
}

// HandleActions translates the Responder Component's per-head actions
// into queue mutations and broadcasts, per spec.md §4.6.
func (r *Responder) HandleActions(ctx context.Context, actions []watch.Action) {
	for _, a := range actions {
		switch action := a.(type) {
		case watch.ReEnqueueMissingItems:
			r.reEnqueueMissing(ctx, action.AppointmentIDs)
		case watch.TxMined:
			r.handleMined(action)
		case watch.CheckResponderBalance:
			r.checkBalance(ctx)
		case watch.EndResponse:
			// Watcher.Advance has already dropped tracking on its
			// side; the Multi-Responder has nothing further to do
			// once the item has already been consumed by TxMined.
		}
	}
}

func (r *Responder) reEnqueueMissing(ctx context.Context, appointmentIDs []string) {
	r.mu.Lock()
	prev := r.queue
	for _, id := range appointmentIDs {
		identifier, deadline, ok := r.appointments.Lookup(id)
		if !ok {
			logger.Warn("re-enqueue requested for unknown appointment", "appointmentId", id)
			continue
		}
		if _, already := r.queue.Get(identifier); already {
			continue
		}

		req := gasqueue.Request{AppointmentID: id, DeadlineBlock: deadline}
		next, err := r.queue.Add(req, identifier, r.config.InitialGasPrice, r.config.InitialGasPrice)
		if err != nil {
			if !errors.Is(err, gasqueue.ErrDuplicate) {
				logger.Error("failed to re-enqueue appointment", "appointmentId", id, "err", err)
			}
			continue
		}
		r.queue = next
		if err := r.journal.AppendAdd(req, identifier, r.config.InitialGasPrice, r.queue); err != nil {
			logger.Error("failed to journal re-enqueue", "appointmentId", id, "err", err)
		}
	}
	diff := r.queue.Difference(prev)
	queueDepthGauge.Update(int64(r.queue.Len()))
	r.mu.Unlock()

	r.broadcastDiff(ctx, diff)
}

func (r *Responder) handleMined(action watch.TxMined) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = r.queue.Consume(action.Nonce)
	delete(r.stuck, action.Identifier.Key())
	if err := r.journal.AppendConsume(action.Nonce, r.queue); err != nil {
		logger.Error("failed to journal consume", "appointmentId", action.AppointmentID, "err", err)
	}
	queueDepthGauge.Update(int64(r.queue.Len()))
}

func (r *Responder) checkBalance(ctx context.Context) {
	balance, err := r.prov.BalanceAt(ctx, r.signer.Address())
	if err != nil {
		logger.Warn("responder balance probe failed", "err", err)
		return
	}
	logger.Info("responder balance", "address", r.signer.Address().Hex(), "balance", balance.String())
}

// BumpPending implements spec.md §4.6's gas-bump policy: every item
// still queued (not yet consumed by a TxMined) has its gas price
// multiplied by the configured factor, capped at the configured
// ceiling. An item that reaches the cap is marked stuck — a fatal
// signal surfaced to the operator via the stuck gauge — but bumping
// keeps being attempted on every later call regardless, per spec.md
// §4.6. Callers invoke this once per new head, alongside HandleActions.
func (r *Responder) BumpPending(ctx context.Context) {
	r.mu.Lock()
	prev := r.queue
	for _, it := range r.queue.Items() {
		next, cappedOut := r.config.GasBump.bump(it.GasPrice)
		q, err := r.queue.Bump(it.Identifier, next)
		if err != nil {
			logger.Error("failed to bump queued item", "appointmentId", it.Request.AppointmentID, "err", err)
			continue
		}
		r.queue = q
		if err := r.journal.AppendBump(it.Identifier, next, r.queue); err != nil {
			logger.Error("failed to journal bump", "appointmentId", it.Request.AppointmentID, "err", err)
		}
		if cappedOut && !r.stuck[it.Identifier.Key()] {
			r.stuck[it.Identifier.Key()] = true
			stuckGauge.Update(int64(len(r.stuck)))
			logger.Error("queued item reached gas price cap, marking stuck", "appointmentId", it.Request.AppointmentID, "identifier", it.Identifier.Key())
		}
	}
	diff := r.queue.Difference(prev)
	queueDepthGauge.Update(int64(r.queue.Len()))
	r.mu.Unlock()

	r.broadcastDiff(ctx, diff)
}

// QueueDepth returns the number of items currently queued.
func (r *Responder) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// PendingNonce returns the queue's current base nonce.
func (r *Responder) PendingNonce() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.BaseNonce()
}
