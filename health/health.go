// Package health exposes the operator-facing status snapshot named in
// spec.md §6 (current head, queue depth, mined-nonce,
// last-broadcast-error), grounded on klaytn's api/debug status-reporting
// idiom: a small struct refreshed on a ticker and read under a mutex,
// rather than computed fresh on every probe (the components it reads
// from are themselves mutex-guarded and shouldn't be queried from an
// arbitrary operator-request goroutine on every call).
package health

import (
	"sync"
	"time"

	"github.com/terrorizer1980/pisa/chain/types"
)

// Snapshot is the point-in-time status cmd/pisawatch's health probe
// returns.
type Snapshot struct {
	CurrentHead        types.Hash
	CurrentHeadNumber  uint64
	QueueDepth         int
	PendingNonce       uint64
	LastBroadcastError string
	UpdatedAt          time.Time
}

// Sources is the narrow read surface Monitor polls; callers wire it to
// the running blockprocessor/responder instances. Kept as an interface
// so tests can fake it without standing up the real pipeline.
type Sources interface {
	CurrentHead() (types.Hash, uint64)
	QueueDepth() int
	PendingNonce() uint64
}

// Monitor periodically refreshes a Snapshot from Sources.
type Monitor struct {
	sources Sources
	stamp   func() time.Time

	mu         sync.RWMutex
	snapshot   Snapshot
	lastErr    error
	wg         sync.WaitGroup
	closed     chan struct{}
	pollPeriod time.Duration
}

// NewMonitor returns a Monitor that refreshes every pollPeriod once
// Start is called. stamp is injectable so tests don't depend on wall
// time; production callers pass time.Now.
func NewMonitor(sources Sources, pollPeriod time.Duration, stamp func() time.Time) *Monitor {
	if pollPeriod <= 0 {
		pollPeriod = 10 * time.Second
	}
	return &Monitor{
		sources:    sources,
		stamp:      stamp,
		pollPeriod: pollPeriod,
		closed:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (m *Monitor) Start() {
	m.Refresh()
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Refresh()
		case <-m.closed:
			return
		}
	}
}

// Stop terminates the polling loop.
func (m *Monitor) Stop() {
	close(m.closed)
	m.wg.Wait()
}

// Refresh recomputes the snapshot immediately, bypassing the ticker;
// Start calls it once up front so a probe immediately after startup
// never sees a zero-value Snapshot.
func (m *Monitor) Refresh() {
	head, number := m.sources.CurrentHead()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = Snapshot{
		CurrentHead:       head,
		CurrentHeadNumber: number,
		QueueDepth:        m.sources.QueueDepth(),
		PendingNonce:      m.sources.PendingNonce(),
		UpdatedAt:         m.stamp(),
	}
	if m.lastErr != nil {
		m.snapshot.LastBroadcastError = m.lastErr.Error()
	}
}

// ReportBroadcastError records the most recent broadcast failure so
// the next Refresh surfaces it. Nothing in this module calls it:
// responder logs broadcast failures without reporting them here.
func (m *Monitor) ReportBroadcastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

// Current returns the most recently computed Snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
