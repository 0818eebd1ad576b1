package transport

import (
	"fmt"
	"sync"

	"github.com/topos-protocol/topos-tce-broadcast/internal/tevent"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// ErrMessageTooLarge is returned by Publish when an envelope's estimated
// encoded size exceeds MaxMessageSize.
var ErrMessageTooLarge = types.ErrMessageTooLarge

// Bus is an in-memory stand-in for the real peer-to-peer transport
// (libp2p gossipsub in the upstream system). It fans out Envelopes to every
// subscriber of the envelope's Topic, the same broadcast contract
// go-ethereum's event.Feed gives in-process subscribers, just keyed by
// topic instead of by Go type. Multi-node integration tests construct one
// Bus and have every simulated node Subscribe/Publish against it.
type Bus struct {
	mu    sync.Mutex
	feeds map[Topic]*tevent.Feed
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{feeds: make(map[Topic]*tevent.Feed)}
}

func (b *Bus) feed(topic Topic) *tevent.Feed {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.feeds[topic]
	if !ok {
		f = new(tevent.Feed)
		b.feeds[topic] = f
	}
	return f
}

// Subscribe returns a channel receiving every Envelope published on topic
// after the call, and an Unsubscribe function.
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan Envelope, func()) {
	raw, sub := b.feed(topic).Subscribe(buffer)
	out := make(chan Envelope, buffer)
	go func() {
		defer close(out)
		for v := range raw {
			if env, ok := v.(Envelope); ok {
				out <- env
			}
		}
	}()
	return out, sub.Unsubscribe
}

// Publish broadcasts env to every subscriber of env.Topic. It estimates the
// envelope's encoded size the same way a real transport would size-check
// before sending and rejects oversized batches rather than splitting them.
func (b *Bus) Publish(env Envelope) error {
	if size := estimateSize(env); size > MaxMessageSize {
		return fmt.Errorf("transport: envelope on %s is %d bytes: %w", env.Topic, size, ErrMessageTooLarge)
	}
	b.feed(env.Topic).Send(env)
	return nil
}

// estimateSize approximates an envelope's wire size well enough to enforce
// MaxMessageSize without a full codec round trip; certificates dominate the
// size of any envelope that carries one.
func estimateSize(env Envelope) int {
	const fixedOverhead = 128
	size := fixedOverhead
	if env.Gossip != nil && env.Gossip.Certificate != nil {
		size += len(types.EncodeCertificate(env.Gossip.Certificate))
	}
	if env.Batch != nil {
		for _, g := range env.Batch.Gossip {
			if g.Certificate != nil {
				size += len(types.EncodeCertificate(g.Certificate))
			}
		}
		size += len(env.Batch.Echoes) * 96
		size += len(env.Batch.Readies) * 96
	}
	return size
}
