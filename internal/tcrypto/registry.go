package tcrypto

import (
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// KeyRegistry maps a ValidatorID back to the public key needed to verify
// its Echo/Ready vote signatures. ValidatorID is a one-way hash of the
// public key (ValidatorIDFromPubKey), so a verifier cannot recover the key
// from the id alone; every node building a Sample View must also populate
// a KeyRegistry for the same validator set.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[types.ValidatorID]*secp256k1.PublicKey
}

// NewKeyRegistry returns an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[types.ValidatorID]*secp256k1.PublicKey)}
}

// Register records pub under the ValidatorID it derives to, and returns
// that id.
func (r *KeyRegistry) Register(pub *secp256k1.PublicKey) types.ValidatorID {
	id := ValidatorIDFromPubKey(pub)
	r.mu.Lock()
	r.keys[id] = pub
	r.mu.Unlock()
	return id
}

// Lookup returns the public key registered for id, if any.
func (r *KeyRegistry) Lookup(id types.ValidatorID) (*secp256k1.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[id]
	return pub, ok
}
