package types

import (
	"bytes"

	"golang.org/x/crypto/sha3"
)

// Certificate is an immutable, attested summary of a source subnet's block,
// targeting zero or more destination subnets. Once built, every field
// except Signature contributes to ID (I1); mutating any of them invalidates
// the certificate.
type Certificate struct {
	ID                CertificateID
	PrevID            CertificateID
	SourceSubnetID    SubnetID
	StateRoot         [32]byte
	TxRootHash        [32]byte
	ReceiptsRootHash  [32]byte
	TargetSubnets     []SubnetID
	Verifier          uint32
	Proof             []byte // STARK placeholder
	Signature         []byte // FROST placeholder, over payload excluding Signature
}

// NewCertificate builds a certificate, computing and stamping its ID. It
// does not sign the certificate; callers that need an authenticated
// certificate should call Sign afterwards, which leaves ID as it is since
// the signature is excluded from the hashed payload.
func NewCertificate(prevID CertificateID, source SubnetID, stateRoot, txRoot, receiptsRoot [32]byte, targets []SubnetID, verifier uint32, proof []byte) *Certificate {
	c := &Certificate{
		PrevID:           prevID,
		SourceSubnetID:   source,
		StateRoot:        stateRoot,
		TxRootHash:       txRoot,
		ReceiptsRootHash: receiptsRoot,
		TargetSubnets:    append([]SubnetID(nil), targets...),
		Verifier:         verifier,
		Proof:            append([]byte(nil), proof...),
	}
	c.ID = c.computeID()
	return c
}

// Sign attaches a validator signature over the certificate's signing
// payload. ID is unaffected, since the signature is excluded from it (I1).
func (c *Certificate) Sign(kp Signer) {
	digest := c.signingDigest()
	c.Signature = kp.Sign(digest[:])
}

// signingPayload returns the byte sequence hashed for both ID derivation
// and signing: every field except ID and Signature, in declaration order.
func (c *Certificate) signingPayload() []byte {
	var buf bytes.Buffer
	buf.Write(c.PrevID[:])
	buf.Write(c.SourceSubnetID[:])
	buf.Write(c.StateRoot[:])
	buf.Write(c.TxRootHash[:])
	buf.Write(c.ReceiptsRootHash[:])
	for _, t := range c.TargetSubnets {
		buf.Write(t[:])
	}
	var v [4]byte
	v[0] = byte(c.Verifier >> 24)
	v[1] = byte(c.Verifier >> 16)
	v[2] = byte(c.Verifier >> 8)
	v[3] = byte(c.Verifier)
	buf.Write(v[:])
	buf.Write(c.Proof)
	return buf.Bytes()
}

// Signer produces a signature over a digest; *tcrypto.KeyPair satisfies it.
type Signer interface {
	Sign(digest []byte) []byte
}

// signingDigest is the Keccak-256 of signingPayload, the same hash
// tcrypto.Keccak256 computes.
func (c *Certificate) signingDigest() [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(c.signingPayload())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *Certificate) computeID() CertificateID {
	return CertificateID(c.signingDigest())
}

// VerifyID recomputes the hash over the certificate's fields and reports
// whether it matches the stamped ID (I1). Used on every inbound Gossip.
func (c *Certificate) VerifyID() bool {
	return c.ID == c.computeID()
}

// IsGenesis reports whether the certificate is the first in its source
// chain (prev_id is the all-zero id).
func (c *Certificate) IsGenesis() bool {
	return c.PrevID.IsZero()
}

// Clone returns a deep copy, since Certificate is meant to be treated as
// immutable once constructed but callers occasionally need a mutable
// working copy (e.g. test fixtures).
func (c *Certificate) Clone() *Certificate {
	clone := *c
	clone.TargetSubnets = append([]SubnetID(nil), c.TargetSubnets...)
	clone.Proof = append([]byte(nil), c.Proof...)
	clone.Signature = append([]byte(nil), c.Signature...)
	return &clone
}
