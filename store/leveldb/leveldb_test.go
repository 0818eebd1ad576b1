package leveldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/types"
	"github.com/topos-protocol/topos-tce-broadcast/types/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tce"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLevelDBGenesisDeliveryAndReadBack(t *testing.T) {
	s := openTestStore(t)
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	c0 := gen.Next()

	pos, err := s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c0})
	require.NoError(t, err)
	require.Equal(t, types.Position(0), pos.Source.Position)

	got, _, err := s.GetCertificate(c0.ID)
	require.NoError(t, err)
	require.Equal(t, c0.ID, got.ID)

	head, cert, err := s.GetSourceHead(source)
	require.NoError(t, err)
	require.Equal(t, types.Position(0), head)
	require.Equal(t, c0.ID, cert.ID)
}

func TestLevelDBAlreadyDelivered(t *testing.T) {
	s := openTestStore(t)
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	c0 := gen.Next()
	_, err := s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c0})
	require.NoError(t, err)

	_, err = s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c0})
	require.ErrorIs(t, err, types.ErrAlreadyDelivered)
}

func TestLevelDBCausalChainAndPrecedence(t *testing.T) {
	s := openTestStore(t)
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	certs := gen.NextN(3)

	_, err := s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: certs[0]})
	require.NoError(t, err)

	_, err = s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: certs[2]})
	require.Error(t, err, "certs[2] skips certs[1], prev_id must not be accepted")
	var precErr *types.PrecedenceError
	require.ErrorAs(t, err, &precErr)

	_, err = s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: certs[1]})
	require.NoError(t, err)
	_, err = s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: certs[2]})
	require.NoError(t, err)

	head, _, err := s.GetSourceHead(source)
	require.NoError(t, err)
	require.Equal(t, types.Position(2), head)
}

func TestLevelDBPendingAndPrecedencePools(t *testing.T) {
	s := openTestStore(t)
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	c0, c1 := gen.Next(), gen.Next()

	pid, err := s.InsertPendingCertificate(c1)
	require.NoError(t, err)
	require.Nil(t, pid, "prev not yet delivered, must go to precedence pool")

	_, err = s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c0})
	require.NoError(t, err)

	promoted, err := s.PromotePrecedenceDependents(c0.ID)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, c1.ID, promoted[0].ID)

	popped, ok, err := s.PopPendingCertificate()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, c1.ID, popped.ID)
}

func TestLevelDBCheckpointDiff(t *testing.T) {
	s := openTestStore(t)
	source := types.SubnetID{1}
	gen := testutil.NewChainGenerator(source)
	for _, c := range gen.NextN(3) {
		_, err := s.InsertCertificateDelivered(store.CertificateDelivered{Certificate: c})
		require.NoError(t, err)
	}

	diff, err := s.GetCheckpointDiff(types.Checkpoint{})
	require.NoError(t, err)
	require.Len(t, diff[source], 3)

	cp, err := s.GetCheckpoint()
	require.NoError(t, err)
	diff2, err := s.GetCheckpointDiff(cp)
	require.NoError(t, err)
	require.Empty(t, diff2[source])
}

func TestLevelDBSynchronizeCertificate(t *testing.T) {
	s := openTestStore(t)
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	c0 := gen.Next()

	proof := &types.ProofOfDelivery{
		CertificateID:    c0.ID,
		DeliveryPosition: types.SourcePosition{Subnet: c0.SourceSubnetID, Position: 0},
		Threshold:        2,
	}
	require.NoError(t, s.InsertUnverifiedProofs([]*types.ProofOfDelivery{proof}))

	pos, err := s.SynchronizeCertificate(c0)
	require.NoError(t, err)
	require.Equal(t, types.Position(0), pos.Source.Position)
}

func TestLevelDBTruncatePending(t *testing.T) {
	s := openTestStore(t)
	gen := testutil.NewChainGenerator(types.SubnetID{1})
	c0 := gen.Next()
	_, err := s.InsertPendingCertificate(c0)
	require.NoError(t, err)

	require.NoError(t, s.TruncatePending())

	_, ok, err := s.PopPendingCertificate()
	require.NoError(t, err)
	require.False(t, ok)
}
