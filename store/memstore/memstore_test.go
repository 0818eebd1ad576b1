package memstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/types"
	"github.com/topos-protocol/topos-tce-broadcast/types/testutil"
)

func deliver(t *testing.T, s *Store, cert *types.Certificate) store.CertificatePositions {
	t.Helper()
	pos, err := s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: cert})
	require.NoError(t, err)
	return pos
}

func TestGenesisDelivery(t *testing.T) {
	s := New()
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	c0 := gen.Next()

	pos := deliver(t, s, c0)
	require.Equal(t, types.Position(0), pos.Source.Position)

	head, cert, err := s.GetSourceHead(source)
	require.NoError(t, err)
	require.Equal(t, types.Position(0), head)
	require.Equal(t, c0.ID, cert.ID)
}

func TestTwoNodeCausalChain(t *testing.T) {
	s := New()
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	certs := gen.NextN(2)

	// c1 submitted before c0 is delivered: it must land in precedence_pool,
	// not pending_pool.
	pendingID, err := s.InsertPendingCertificate(certs[1])
	require.NoError(t, err)
	require.Nil(t, pendingID, "child with undelivered prev must go to precedence pool")

	deliver(t, s, certs[0])
	promoted, err := s.PromotePrecedenceDependents(certs[0].ID)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, certs[1].ID, promoted[0].ID)

	deliver(t, s, certs[1])
	head, _, err := s.GetSourceHead(source)
	require.NoError(t, err)
	require.Equal(t, types.Position(1), head)
}

func TestAlreadyDelivered(t *testing.T) {
	s := New()
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	c0 := gen.Next()
	deliver(t, s, c0)

	_, err := s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c0})
	require.ErrorIs(t, err, types.ErrAlreadyDelivered)
}

func TestForkRejection(t *testing.T) {
	s := New()
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	c0 := gen.Next()
	deliver(t, s, c0)

	// Two children racing on the same prev_id: only one can win position 1.
	forkA := types.NewCertificate(c0.ID, source, [32]byte{0xA}, [32]byte{}, [32]byte{}, nil, 0, nil)
	forkB := types.NewCertificate(c0.ID, source, [32]byte{0xB}, [32]byte{}, [32]byte{}, nil, 0, nil)

	deliver(t, s, forkA)

	_, err := s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: forkB})
	require.Error(t, err)
	var precErr *types.PrecedenceError
	require.ErrorAs(t, err, &precErr)
	require.Equal(t, forkA.ID, precErr.WinnerID)
}

func TestTargetStreamOrderingAcrossSources(t *testing.T) {
	s := New()
	target := types.SubnetID{9}
	s1, s2 := types.SubnetID{1}, types.SubnetID{2}
	gen1 := testutil.NewChainGenerator(s1, target)
	gen2 := testutil.NewChainGenerator(s2, target)

	for _, c := range gen1.NextN(2) {
		deliver(t, s, c)
	}
	for _, c := range gen2.NextN(2) {
		deliver(t, s, c)
	}

	certs, err := s.GetTargetStreamCertificatesFromPosition(types.TargetPosition{Target: target, Source: s1, Position: 0}, 10)
	require.NoError(t, err)
	require.Len(t, certs, 2)

	certs2, err := s.GetTargetStreamCertificatesFromPosition(types.TargetPosition{Target: target, Source: s2, Position: 0}, 10)
	require.NoError(t, err)
	require.Len(t, certs2, 2)
}

func TestCheckpointDiffPaging(t *testing.T) {
	s := New()
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	for _, c := range gen.NextN(4) {
		deliver(t, s, c)
	}

	diff, err := s.GetCheckpointDiff(types.Checkpoint{})
	require.NoError(t, err)
	require.Len(t, diff[source], 4)

	cp, err := s.GetCheckpoint()
	require.NoError(t, err)
	diff2, err := s.GetCheckpointDiff(cp)
	require.NoError(t, err)
	require.Empty(t, diff2[source], "caller already at head, diff must be empty")
}

func TestInsertPendingCertificateAlreadyDelivered(t *testing.T) {
	s := New()
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	c0 := gen.Next()
	deliver(t, s, c0)

	_, err := s.InsertPendingCertificate(c0)
	require.ErrorIs(t, err, types.ErrCertificateAlreadyExists)
}

func TestPopPendingCertificateFIFO(t *testing.T) {
	s := New()
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	c0 := gen.Next()
	c1 := gen.Next()

	_, err := s.InsertPendingCertificate(c0)
	require.NoError(t, err)
	deliver(t, s, c0)
	promoted, err := s.PromotePrecedenceDependents(c0.ID)
	require.NoError(t, err)
	require.Empty(t, promoted)

	id, err := s.InsertPendingCertificate(c1)
	require.NoError(t, err)
	require.NotNil(t, id)

	popped, ok, err := s.PopPendingCertificate()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c1.ID, popped.ID)

	_, ok, err = s.PopPendingCertificate()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSynchronizeCertificateUsesStoredProof(t *testing.T) {
	s := New()
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	c0 := gen.Next()

	proof := &types.ProofOfDelivery{
		CertificateID:    c0.ID,
		DeliveryPosition: types.SourcePosition{Subnet: c0.SourceSubnetID, Position: 0},
		Threshold:        1,
	}
	require.NoError(t, s.InsertUnverifiedProofs([]*types.ProofOfDelivery{proof}))

	pos, err := s.SynchronizeCertificate(c0)
	require.NoError(t, err)
	require.Equal(t, types.Position(0), pos.Source.Position)

	_, storedProof, err := s.GetCertificate(c0.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), storedProof.Threshold)
}
