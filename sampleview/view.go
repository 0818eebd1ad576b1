// Package sampleview holds the snapshot of the validator set a node uses to
// account Echo/Ready votes, and the copy-on-write channel that delivers new
// snapshots to subscribers (§4.B).
package sampleview

import (
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/topos-protocol/topos-tce-broadcast/internal/tevent"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// View is an immutable snapshot of the validators a node echoes to and
// ready-listens from, plus the network size used for threshold math. There
// is no partial update: a new View always replaces the old one wholesale.
type View struct {
	Echo        mapset.Set[types.ValidatorID]
	Ready       mapset.Set[types.ValidatorID]
	NetworkSize int
}

// New builds a View from validator sets, copying the inputs so a caller's
// later mutation of the source sets can never reach back into the
// snapshot.
func New(echo, ready []types.ValidatorID, networkSize int) View {
	return View{
		Echo:        mapset.NewSet(echo...),
		Ready:       mapset.NewSet(ready...),
		NetworkSize: networkSize,
	}
}

// Publisher holds the current View and broadcasts replacements to
// subscribers. The zero value is not usable; use NewPublisher.
type Publisher struct {
	feed    tevent.Feed
	current atomic.Pointer[View]
}

func NewPublisher(initial View) *Publisher {
	p := &Publisher{}
	p.current.Store(&initial)
	return p
}

// Current returns the most recently published View. Safe for concurrent
// use with Publish from any number of goroutines.
func (p *Publisher) Current() View { return *p.current.Load() }

// Publish atomically swaps in a new View and notifies subscribers.
func (p *Publisher) Publish(v View) {
	p.current.Store(&v)
	p.feed.Send(v)
}

// Subscribe returns a channel that receives every View published after the
// call. Subscribers should also read Current() once at startup to pick up
// the snapshot in effect before they subscribed.
func (p *Publisher) Subscribe(buffer int) (<-chan any, *tevent.Subscription) {
	return p.feed.Subscribe(buffer)
}
