// Package feed is a minimal replica of go-ethereum's event.Feed /
// event.Subscription API surface. Klaytn (the teacher) imports that
// package directly from go-ethereum (mainbridge.go / subbridge.go /
// work/worker.go all call blockchain.SubscribeChainHeadEvent, which
// returns an event.Subscription backed by an event.Feed) but the
// package's own source was filtered out of the retrieval pack, so it
// is rebuilt here against the exact call-site contract klaytn uses:
// Subscribe(ch) returns a Subscription; Unsubscribe() stops delivery
// and is idempotent; Send(v) fans out to every live subscriber.
//
// Generics replace go-ethereum's reflect-based Feed since this is a
// from-scratch rebuild, not a vendor copy — the call-site contract is
// what's preserved, not the 2018-era implementation technique.
package feed

import "sync"

// Subscription is returned by Feed.Subscribe. Unsubscribe removes the
// channel from the feed and closes Err(); it may be called multiple
// times. It does not wait for an in-flight Send: a Send blocked on this
// subscriber gives up on it once Err() is closed.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Feed fans out values of type T to any number of subscriber channels.
type Feed[T any] struct {
	mu   sync.Mutex
	subs map[*subscription[T]]struct{}
}

type subscription[T any] struct {
	feed    *Feed[T]
	channel chan<- T
	once    sync.Once
	err     chan error
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		close(s.err)
	})
}

func (s *subscription[T]) Err() <-chan error { return s.err }

// Subscribe registers ch to receive every value subsequently passed to
// Send. Per spec.md §5, listener add/remove is only valid while the
// owning component is Running; callers enforce that themselves.
func (f *Feed[T]) Subscribe(ch chan<- T) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*subscription[T]]struct{})
	}
	sub := &subscription[T]{feed: f, channel: ch, err: make(chan error, 1)}
	f.subs[sub] = struct{}{}
	return sub
}

// Send delivers v to every currently subscribed channel, blocking on
// each delivery in turn. It returns the number of subscribers reached.
func (f *Feed[T]) Send(v T) int {
	f.mu.Lock()
	subs := make([]*subscription[T], 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	n := 0
	for _, s := range subs {
		select {
		case s.channel <- v:
			n++
		case <-s.err:
			// unsubscribed while we were iterating; skip it.
		}
	}
	return n
}
