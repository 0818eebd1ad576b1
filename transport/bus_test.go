package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/types"
	"github.com/topos-protocol/topos-tce-broadcast/types/testutil"
)

func TestBusFansOutToEverySubscriber(t *testing.T) {
	bus := NewBus()
	ch1, unsub1 := bus.Subscribe(TopicEcho, 4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(TopicEcho, 4)
	defer unsub2()

	env := Envelope{Topic: TopicEcho, Echo: &EchoMessage{CertificateID: types.CertificateID{1}, Validator: types.ValidatorID{2}}}
	require.NoError(t, bus.Publish(env))

	for _, ch := range []<-chan Envelope{ch1, ch2} {
		select {
		case got := <-ch:
			require.Equal(t, env.Echo.CertificateID, got.Echo.CertificateID)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received envelope")
		}
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	echoCh, unsub := bus.Subscribe(TopicEcho, 1)
	defer unsub()

	require.NoError(t, bus.Publish(Envelope{Topic: TopicReady, Ready: &ReadyMessage{CertificateID: types.CertificateID{1}}}))

	select {
	case <-echoCh:
		t.Fatal("echo subscriber must not receive a ready-topic envelope")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusRejectsOversizedEnvelope(t *testing.T) {
	bus := NewBus()
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	cert := gen.Next()
	cert.Proof = make([]byte, MaxMessageSize)

	err := bus.Publish(Envelope{Topic: TopicGossip, Gossip: &GossipMessage{Certificate: cert}})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}
