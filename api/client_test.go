package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/broadcast"
	"github.com/topos-protocol/topos-tce-broadcast/doubleecho"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tcrypto"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tlog"
	"github.com/topos-protocol/topos-tce-broadcast/internal/xmetrics"
	"github.com/topos-protocol/topos-tce-broadcast/sampleview"
	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/store/memstore"
	"github.com/topos-protocol/topos-tce-broadcast/taskmanager"
	"github.com/topos-protocol/topos-tce-broadcast/transport"
	"github.com/topos-protocol/topos-tce-broadcast/types"
	"github.com/topos-protocol/topos-tce-broadcast/types/testutil"
)

// newTestClient wires a single-validator node (Store + Driver + Manager)
// the same way doubleecho's driver_test.go does, and returns a Client over
// it so a submitted certificate is actually carried to delivery.
func newTestClient(t *testing.T) (*BroadcastClient, store.Store, *doubleecho.Driver) {
	t.Helper()
	keys, err := tcrypto.GenerateKeyPair()
	require.NoError(t, err)
	keyring := tcrypto.NewKeyRegistry()
	self := keyring.Register(keys.Pub)
	validators := []types.ValidatorID{self}

	s := memstore.New()
	views := sampleview.NewPublisher(sampleview.New(validators, validators, len(validators)))
	bus := transport.NewBus()

	d := doubleecho.New(doubleecho.Config{
		Log:     tlog.Discard(),
		Metrics: xmetrics.NewNull(),
		Store:   s,
		Views:   views,
		Bus:     bus,
		Self:    self,
		Keys:    keys,
		Role:    doubleecho.RoleValidator,
		Keyring: keyring,
	})

	m := taskmanager.New(taskmanager.Config{
		Log:     tlog.Discard(),
		Metrics: xmetrics.NewNull(),
		Views:   views,
		Sink:    d.Sink(),
		Thresholds: broadcast.Thresholds{
			Echo: uint64(len(validators)), Ready: uint64(len(validators)), Deliver: uint64(len(validators)),
		},
		NextPosition: func(subnet types.SubnetID) types.Position {
			head, _, err := s.GetSourceHead(subnet)
			if err != nil {
				return 0
			}
			return head + 1
		},
	})
	d.AttachManager(m)

	return New(s, d), s, d
}

func waitForHead(t *testing.T, s store.Store, subnet types.SubnetID, want types.Position) {
	t.Helper()
	require.Eventually(t, func() bool {
		head, _, err := s.GetSourceHead(subnet)
		return err == nil && head == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitCertificateOutcomes(t *testing.T) {
	c, s, d := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	certs := gen.NextN(2)

	outcome, err := c.SubmitCertificate(certs[0])
	require.NoError(t, err)
	require.Equal(t, InPending, outcome)

	waitForHead(t, s, source, 0)

	outcome, err = c.SubmitCertificate(certs[0])
	require.NoError(t, err)
	require.Equal(t, AlreadyDelivered, outcome)

	unrelated := testutil.NewChainGenerator(types.SubnetID{2})
	orphan := unrelated.NextN(2)[1]
	outcome, err = c.SubmitCertificate(orphan)
	require.NoError(t, err)
	require.Equal(t, AwaitPrecedence, outcome)
}

func TestGetLastPendingCertificates(t *testing.T) {
	s := memstore.New()
	c := New(s, nil)

	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	cert := gen.Next()
	_, err := s.InsertPendingCertificate(cert)
	require.NoError(t, err)

	pending, err := c.GetLastPendingCertificates([]types.SubnetID{source, {9}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, cert.ID, pending[source].Certificate.ID)
}

func TestWatchCertificatesReplaysThenGoesLive(t *testing.T) {
	c, s, d := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	target := types.SubnetID{9}
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source, target)
	first := gen.Next()

	require.NoError(t, d.SubmitCertificate(first))
	waitForHead(t, s, source, 0)

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	events, cancelStream, err := c.WatchCertificates(streamCtx, []types.SubnetID{target}, types.Checkpoint{})
	require.NoError(t, err)
	defer cancelStream()

	opened := <-events
	require.Equal(t, StreamOpened, opened.Kind)
	require.Equal(t, []types.SubnetID{target}, opened.Subnets)

	replayed := <-events
	require.Equal(t, CertificatePushed, replayed.Kind)
	require.Equal(t, first.ID, replayed.Certificate.ID)

	second := gen.Next()
	require.NoError(t, d.SubmitCertificate(second))

	select {
	case live := <-events:
		require.Equal(t, CertificatePushed, live.Kind)
		require.Equal(t, second.ID, live.Certificate.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live delivery notification")
	}
}
