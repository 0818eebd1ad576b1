// Package types defines the wire-level data model of the certificate
// broadcast engine: certificates, their identifiers, and delivery proofs.
package types

import (
	"encoding/hex"
	"fmt"
)

// IDLength is the byte length of every opaque identifier used by the engine.
const IDLength = 32

// CertificateID is a 32-byte opaque identifier computed as a hash over a
// certificate's payload, excluding its signature and the id field itself.
type CertificateID [IDLength]byte

// ZeroCertificateID is the genesis predecessor: it never identifies a real
// certificate.
var ZeroCertificateID CertificateID

// IsZero reports whether id is the genesis placeholder.
func (id CertificateID) IsZero() bool { return id == ZeroCertificateID }

func (id CertificateID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns a defensive copy of the identifier's bytes.
func (id CertificateID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

// BytesToCertificateID converts b into a CertificateID, left-padding or
// truncating to IDLength the way common.BytesToHash does.
func BytesToCertificateID(b []byte) CertificateID {
	var id CertificateID
	if len(b) > IDLength {
		b = b[len(b)-IDLength:]
	}
	copy(id[IDLength-len(b):], b)
	return id
}

// SubnetID is a 32-byte subnet identifier.
type SubnetID [IDLength]byte

func (id SubnetID) String() string { return hex.EncodeToString(id[:]) }

func (id SubnetID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

func BytesToSubnetID(b []byte) SubnetID {
	var id SubnetID
	if len(b) > IDLength {
		b = b[len(b)-IDLength:]
	}
	copy(id[IDLength-len(b):], b)
	return id
}

// ValidatorID identifies a validator node, derived from its public key.
type ValidatorID [IDLength]byte

func (id ValidatorID) String() string { return hex.EncodeToString(id[:]) }

func BytesToValidatorID(b []byte) ValidatorID {
	var id ValidatorID
	if len(b) > IDLength {
		b = b[len(b)-IDLength:]
	}
	copy(id[IDLength-len(b):], b)
	return id
}

// Position is a strictly increasing, zero-based sequence number within a
// single source or (target, source) stream.
type Position uint64

// SourcePosition names a position within a single source subnet's chain.
type SourcePosition struct {
	Subnet   SubnetID
	Position Position
}

func (p SourcePosition) String() string {
	return fmt.Sprintf("%s@%d", p.Subnet, p.Position)
}

// TargetPosition names a position within a (target, source) projection.
type TargetPosition struct {
	Target   SubnetID
	Source   SubnetID
	Position Position
}
