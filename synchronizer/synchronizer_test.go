package synchronizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/store/memstore"
	"github.com/topos-protocol/topos-tce-broadcast/types"
	"github.com/topos-protocol/topos-tce-broadcast/types/testutil"
)

// storePeer adapts a local Store to the Peer interface, standing in for an
// RPC stub in single-process tests.
type storePeer struct {
	id string
	s  store.Store
}

func (p *storePeer) ID() string { return p.id }

func (p *storePeer) GetCheckpointDiff(from types.Checkpoint) (map[types.SubnetID][]*types.ProofOfDelivery, error) {
	return p.s.GetCheckpointDiff(from)
}

func (p *storePeer) FetchCertificates(ids []types.CertificateID) ([]*types.Certificate, error) {
	return p.s.GetCertificates(ids)
}

func TestSynchronizerBackfillsFromPeer(t *testing.T) {
	remote := memstore.New()
	local := memstore.New()

	gen := testutil.NewChainGenerator(types.SubnetID{1})
	for _, c := range gen.NextN(3) {
		_, err := remote.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c})
		require.NoError(t, err)
	}

	peer := &storePeer{id: "remote", s: remote}
	sync := New(Config{
		Store:       local,
		Peers:       NewRandomPeerList(peer),
		Interval:    10 * time.Millisecond,
		MaxAttempts: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go sync.Run(ctx)

	require.Eventually(t, func() bool {
		head, _, err := local.GetSourceHead(types.SubnetID{1})
		return err == nil && head == types.Position(2)
	}, 400*time.Millisecond, 10*time.Millisecond)

	require.Equal(t, Healthy, sync.Health())
}

// TestSynchronizerBackfillsBacklogLargerThanOnePage covers the supplemented
// feature that a single tick drains an arbitrarily large backlog rather than
// advancing by one store.MaxCheckpointPage-sized page per Interval.
func TestSynchronizerBackfillsBacklogLargerThanOnePage(t *testing.T) {
	remote := memstore.New()
	local := memstore.New()

	backlog := store.MaxCheckpointPage + store.MaxCheckpointPage/2
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	for _, c := range gen.NextN(backlog) {
		_, err := remote.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c})
		require.NoError(t, err)
	}

	peer := &storePeer{id: "remote", s: remote}
	sync := New(Config{
		Store:       local,
		Peers:       NewRandomPeerList(peer),
		Interval:    time.Hour,
		MaxAttempts: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sync.tick(ctx)

	head, _, err := local.GetSourceHead(types.SubnetID{1})
	require.NoError(t, err)
	require.Equal(t, types.Position(backlog-1), head, "a single tick must drain the whole backlog, not just one page")
	require.Equal(t, Healthy, sync.Health())
}

func TestSynchronizerUnhealthyWithNoPeers(t *testing.T) {
	local := memstore.New()
	sync := New(Config{
		Store:       local,
		Peers:       NewRandomPeerList(),
		Interval:    5 * time.Millisecond,
		MaxAttempts: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sync.Run(ctx)

	require.Equal(t, Unhealthy, sync.Health())
}
