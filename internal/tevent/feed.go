// Package tevent adapts go-ethereum's event.Feed/Subscription pair to a
// reflection-free form whose channels carry values of type any; receivers
// type-assert what they read. It is the broadcast primitive behind the Sample
// View's copy-on-write snapshots (§4.B) and the Store's one-way delivery
// notifications (§9: "cyclic references between Store and notifier,
// replaced by a one-way notifier").
package tevent

import "sync"

// Feed implements one-to-many notification of values of type any. The zero
// value is ready to use. Feed is safe for concurrent use.
type Feed struct {
	mu   sync.Mutex
	subs map[*sub]struct{}
}

type sub struct {
	ch     chan any
	closed bool
}

// Subscription represents a subscription to a Feed.
type Subscription struct {
	feed *Feed
	sub  *sub
}

// Subscribe returns a new Subscription whose channel receives every value
// subsequently sent with Send. Buffer sizes the channel; sends to a full
// channel block the sender, matching go-ethereum's at-least-once delivery
// semantics for Feed.
func (f *Feed) Subscribe(buffer int) (<-chan any, *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*sub]struct{})
	}
	s := &sub{ch: make(chan any, buffer)}
	f.subs[s] = struct{}{}
	return s.ch, &Subscription{feed: f, sub: s}
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if _, ok := s.feed.subs[s.sub]; !ok {
		return
	}
	delete(s.feed.subs, s.sub)
	if !s.sub.closed {
		close(s.sub.ch)
		s.sub.closed = true
	}
}

// Send delivers value to every current subscriber. It blocks until every
// subscriber channel has accepted the value, the same backpressure contract
// as go-ethereum's event.Feed.Send.
func (f *Feed) Send(value any) int {
	f.mu.Lock()
	subs := make([]*sub, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.ch <- value
	}
	return len(subs)
}
