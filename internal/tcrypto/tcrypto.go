// Package tcrypto provides the validator key material and signing
// primitives used as placeholders for the certificate "proof" (STARK) and
// "signature" (FROST) fields, and for Echo/Ready vote signatures. A
// production network would swap the scheme here without touching callers,
// since they only ever see a ValidatorID and opaque signature bytes.
package tcrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// KeyPair is a validator's signing identity.
type KeyPair struct {
	Priv *secp256k1.PrivateKey
	Pub  *secp256k1.PublicKey
}

// GenerateKeyPair creates a fresh random validator key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Priv: priv, Pub: priv.PubKey()}, nil
}

// ValidatorID derives the stable ValidatorID from a public key: the
// Keccak-256 hash of its compressed encoding.
func (k *KeyPair) ValidatorID() types.ValidatorID {
	return ValidatorIDFromPubKey(k.Pub)
}

func ValidatorIDFromPubKey(pub *secp256k1.PublicKey) types.ValidatorID {
	sum := Keccak256(pub.SerializeCompressed())
	return types.BytesToValidatorID(sum[:])
}

// Sign produces a deterministic ECDSA signature over digest.
func (k *KeyPair) Sign(digest []byte) []byte {
	sig := ecdsa.Sign(k.Priv, digest)
	return sig.Serialize()
}

// Verify checks that sig is a valid signature over digest under pub.
func Verify(pub *secp256k1.PublicKey, digest, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest, pub)
}

// KeyPairFromPrivateKeyBytes reconstructs a KeyPair from a raw 32-byte
// secp256k1 private key, the same encoding node key files on disk use.
func KeyPairFromPrivateKeyBytes(b []byte) (*KeyPair, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("tcrypto: private key must be 32 bytes, got %d", len(b))
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	return &KeyPair{Priv: priv, Pub: priv.PubKey()}, nil
}

// PrivateKeyBytes returns the raw 32-byte encoding of k's private key, for
// persisting to a node key file.
func (k *KeyPair) PrivateKeyBytes() []byte {
	return k.Priv.Serialize()
}

// Keccak256 is Legacy Keccak-256, the same hash types uses for
// CertificateID derivation (I1).
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
