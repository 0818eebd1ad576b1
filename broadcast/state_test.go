package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/sampleview"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

func drain(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			t.Fatalf("expected %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestGenesisDeliverySingleNodeZeroThresholds(t *testing.T) {
	cert := types.NewCertificate(types.ZeroCertificateID, types.SubnetID{1}, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil)
	view := sampleview.New(nil, nil, 1)
	sink := make(chan Event, 8)

	s := New(cert, Thresholds{Echo: 0, Ready: 0, Deliver: 0}, view, 0, false, sink)

	events := drain(t, sink, 4)
	require.Equal(t, EventBroadcast, events[0].Kind)
	require.Equal(t, EventEcho, events[1].Kind)
	require.Equal(t, EventReady, events[2].Kind)
	require.Equal(t, EventDelivered, events[3].Kind)
	require.True(t, s.Phase().Delivered())
	require.Equal(t, types.Position(0), events[3].Proof.DeliveryPosition.Position)
}

func TestApplyEchoAndReadyProgressesPhases(t *testing.T) {
	cert := types.NewCertificate(types.ZeroCertificateID, types.SubnetID{1}, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil)
	validators := []types.ValidatorID{{1}, {2}, {3}}
	view := sampleview.New(validators, validators, 3)
	sink := make(chan Event, 16)

	s := New(cert, Thresholds{Echo: 2, Ready: 2, Deliver: 2}, view, 5, false, sink)
	drain(t, sink, 2) // Broadcast, Echo

	s.ApplyEcho(validators[0])
	require.Equal(t, PhaseEchoSent, s.Phase())

	s.ApplyEcho(validators[1])
	require.Equal(t, PhaseReadySent, s.Phase())
	readyEvt := drain(t, sink, 1)[0]
	require.Equal(t, EventReady, readyEvt.Kind)

	s.ApplyReady(validators[0], []byte("sig0"))
	require.False(t, s.Phase().Delivered())

	s.ApplyReady(validators[1], []byte("sig1"))
	require.True(t, s.Phase().Delivered())
	delivered := drain(t, sink, 1)[0]
	require.Equal(t, EventDelivered, delivered.Kind)
	require.Equal(t, types.Position(5), delivered.Proof.DeliveryPosition.Position)
	require.Len(t, delivered.Proof.Readies, 2)
}

func TestDuplicateEchoIsNoOp(t *testing.T) {
	cert := types.NewCertificate(types.ZeroCertificateID, types.SubnetID{1}, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil)
	validators := []types.ValidatorID{{1}, {2}}
	view := sampleview.New(validators, validators, 2)
	sink := make(chan Event, 16)

	s := New(cert, Thresholds{Echo: 2, Ready: 2, Deliver: 2}, view, 0, false, sink)
	drain(t, sink, 2)

	s.ApplyEcho(validators[0])
	s.ApplyEcho(validators[0]) // duplicate, must not double count
	require.Equal(t, PhaseEchoSent, s.Phase(), "one real echo out of two cannot meet threshold 2")
}

func TestGossipEmittedOnlyWhenRequested(t *testing.T) {
	cert := types.NewCertificate(types.ZeroCertificateID, types.SubnetID{1}, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil)
	view := sampleview.New(nil, nil, 1)
	sink := make(chan Event, 8)

	New(cert, Thresholds{Echo: 5, Ready: 5, Deliver: 5}, view, 0, true, sink)
	events := drain(t, sink, 3)
	require.Equal(t, EventBroadcast, events[0].Kind)
	require.Equal(t, EventGossip, events[1].Kind)
	require.Equal(t, EventEcho, events[2].Kind)
}
