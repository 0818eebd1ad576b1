package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCertificateEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCertificate(
		CertificateID{9},
		SubnetID{1},
		[32]byte{1}, [32]byte{2}, [32]byte{3},
		[]SubnetID{{4}, {5}},
		7,
		[]byte("stark-proof"),
	)
	c.Signature = []byte("frost-signature")

	encoded := EncodeCertificate(c)
	decoded, err := DecodeCertificate(encoded)
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestCertificateEncodeDecodeEmptyTargets(t *testing.T) {
	c := NewCertificate(ZeroCertificateID, SubnetID{1}, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil)
	decoded, err := DecodeCertificate(EncodeCertificate(c))
	require.NoError(t, err)
	require.Empty(t, decoded.TargetSubnets)
}

func TestDecodeCertificateTruncated(t *testing.T) {
	_, err := DecodeCertificate([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestProofOfDeliveryEncodeDecodeRoundTrip(t *testing.T) {
	p := &ProofOfDelivery{
		CertificateID:    CertificateID{1},
		DeliveryPosition: SourcePosition{Subnet: SubnetID{2}, Position: 42},
		Readies: []ReadySignature{
			{ValidatorID: ValidatorID{3}, Signature: []byte("sig-a")},
			{ValidatorID: ValidatorID{4}, Signature: []byte("sig-b")},
		},
		Threshold: 3,
	}
	decoded, err := DecodeProofOfDelivery(EncodeProofOfDelivery(p))
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestPositionBytesOrdering(t *testing.T) {
	require.Less(t, string(PositionBytes(1)), string(PositionBytes(2)))
	require.Equal(t, Position(7), BytesToPosition(PositionBytes(7)))
}
