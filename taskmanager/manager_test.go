package taskmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/broadcast"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tlog"
	"github.com/topos-protocol/topos-tce-broadcast/internal/xmetrics"
	"github.com/topos-protocol/topos-tce-broadcast/sampleview"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

func newTestManager(t *testing.T, thresholds broadcast.Thresholds, view sampleview.View) (*Manager, chan broadcast.Event) {
	t.Helper()
	sink := make(chan broadcast.Event, 256)
	m := New(Config{
		Log:         tlog.Discard(),
		Metrics:     xmetrics.NewNull(),
		Views:       sampleview.NewPublisher(view),
		Sink:        sink,
		MaxInFlight: 4,
		Thresholds:  thresholds,
	})
	t.Cleanup(m.Shutdown)
	return m, sink
}

func mustDeliver(t *testing.T, sink chan broadcast.Event, id types.CertificateID) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink:
			if ev.Kind == broadcast.EventDelivered && ev.CertificateID == id {
				return
			}
		case <-deadline:
			t.Fatalf("certificate %s never delivered", id)
		}
	}
}

func TestDuplicateBroadcastIgnored(t *testing.T) {
	validators := []types.ValidatorID{{1}}
	// Thresholds of 1 keep the first task in flight until validator 1's
	// Ready arrives, so the duplicate Broadcast finds the task still present.
	m, sink := newTestManager(t, broadcast.Thresholds{Echo: 1, Ready: 1, Deliver: 1}, sampleview.New(validators, validators, 1))

	cert := types.NewCertificate(types.ZeroCertificateID, types.SubnetID{1}, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil)
	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdBroadcast, Cert: cert}))
	require.Equal(t, broadcast.EventBroadcast, (<-sink).Kind)
	require.Equal(t, broadcast.EventEcho, (<-sink).Kind)

	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdBroadcast, Cert: cert}))
	// second dispatch must not spawn a second task / second Broadcast event.
	select {
	case ev := <-sink:
		t.Fatalf("unexpected event on duplicate broadcast: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdReady, CertID: cert.ID, Validator: validators[0]}))
	mustDeliver(t, sink, cert.ID)
}

func TestOutOfOrderEchoIsBufferedAndDrained(t *testing.T) {
	validators := []types.ValidatorID{{1}, {2}}
	m, sink := newTestManager(t, broadcast.Thresholds{Echo: 2, Ready: 2, Deliver: 2}, sampleview.New(validators, validators, 2))

	cert := types.NewCertificate(types.ZeroCertificateID, types.SubnetID{1}, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil)

	// Echo arrives before Broadcast: must be buffered, not dropped.
	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdEcho, CertID: cert.ID, Validator: validators[0]}))
	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdEcho, CertID: cert.ID, Validator: validators[1]}))

	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdBroadcast, Cert: cert}))

	// No Ready has been dispatched yet, so only the two drained Echoes can
	// reach the Echo threshold and produce this Ready event.
	deadline := time.After(2 * time.Second)
	for sawReady := false; !sawReady; {
		select {
		case ev := <-sink:
			sawReady = ev.Kind == broadcast.EventReady && ev.CertificateID == cert.ID
		case <-deadline:
			t.Fatal("buffered Echoes were never drained into the task")
		}
	}

	// Delivery needs Deliver=2 Readies on top of the Echoes.
	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdReady, CertID: cert.ID, Validator: validators[0]}))
	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdReady, CertID: cert.ID, Validator: validators[1]}))
	mustDeliver(t, sink, cert.ID)
}

func TestAdmissionBackpressureBlocksBeyondCap(t *testing.T) {
	validators := []types.ValidatorID{{1}, {2}}
	// Thresholds high enough that no certificate ever delivers, so tasks
	// stay resident and exhaust the admission cap.
	sink := make(chan broadcast.Event, 256)
	m := New(Config{
		Log:         tlog.Discard(),
		Metrics:     xmetrics.NewNull(),
		Views:       sampleview.NewPublisher(sampleview.New(validators, validators, 2)),
		Sink:        sink,
		MaxInFlight: 1,
		Thresholds:  broadcast.Thresholds{Echo: 99, Ready: 99, Deliver: 99},
	})
	t.Cleanup(m.Shutdown)

	source := types.SubnetID{1}
	c1 := types.NewCertificate(types.ZeroCertificateID, source, [32]byte{1}, [32]byte{}, [32]byte{}, nil, 0, nil)
	c2 := types.NewCertificate(types.ZeroCertificateID, source, [32]byte{2}, [32]byte{}, [32]byte{}, nil, 0, nil)

	require.NoError(t, m.Dispatch(context.Background(), Command{Kind: CmdBroadcast, Cert: c1}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := m.Dispatch(ctx, Command{Kind: CmdBroadcast, Cert: c2})
	require.Error(t, err, "second broadcast beyond MaxInFlight=1 must wait on admission, not be dropped")
}
