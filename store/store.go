// Package store defines the Store capability set (§4.A): the durable
// key/value tables for delivered certificates, per-source/per-target
// streams, the pending and precedence pools, and proofs of delivery.
// Concrete variants live in store/memstore (volatile, used by tests) and
// store/leveldb (disk-backed).
package store

import (
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// CertificateDelivered is the input to InsertCertificateDelivered: a
// certificate together with the proof that justified its delivery.
type CertificateDelivered struct {
	Certificate *types.Certificate
	Proof       *types.ProofOfDelivery
}

// CertificatePositions is returned on a successful delivery: the position
// assigned in the source stream, and the position assigned in each target
// stream the certificate names.
type CertificatePositions struct {
	Source  types.SourcePosition
	Targets []types.TargetPosition
}

// DeliveryNotification is sent on the Store's delivery feed after a write
// batch commits, so subscribers never observe a half-applied certificate
// (§8: "once a Broadcast State emits Delivered, the Store contains c before
// any subscriber is notified").
type DeliveryNotification struct {
	Certificate *types.Certificate
	Positions   CertificatePositions
}

// MaxCheckpointPage bounds the number of proofs GetCheckpointDiff returns
// per subnet in one call; the Synchronizer pages through larger gaps.
const MaxCheckpointPage = 128

// Store is the capability surface every component depends on. Readers get
// snapshots or immutable references; the store exclusively owns mutation.
type Store interface {
	// InsertCertificateDelivered atomically writes a delivered certificate
	// and advances the relevant stream positions (I3, I4). Returns
	// ErrAlreadyDelivered if id is already present, or an
	// *types.PrecedenceError wrapping ErrInvalidPrecedence if prev_id is
	// neither zero nor the current tip for the source subnet.
	InsertCertificateDelivered(cd CertificateDelivered) (CertificatePositions, error)

	// InsertPendingCertificate admits a not-yet-broadcast certificate. If
	// prev_id is zero or already delivered, it is placed in the pending
	// pool and a PendingCertificateID is returned. Otherwise it is placed
	// in the precedence pool and nil is returned. Returns
	// ErrCertificateAlreadyExists if the certificate is already delivered.
	InsertPendingCertificate(cert *types.Certificate) (*PendingCertificateID, error)

	// PromotePrecedenceDependents moves every precedence_pool entry keyed
	// by deliveredID into the pending pool, assigning each a fresh
	// PendingCertificateID, and returns the certificates promoted.
	PromotePrecedenceDependents(deliveredID types.CertificateID) ([]*types.Certificate, error)

	// PopPendingCertificate removes and returns the oldest pending-pool
	// entry (FIFO), or ok=false if the pool is empty.
	PopPendingCertificate() (cert *types.Certificate, ok bool, err error)

	GetCertificate(id types.CertificateID) (*types.Certificate, *types.ProofOfDelivery, error)
	GetCertificates(ids []types.CertificateID) ([]*types.Certificate, error)
	GetSourceHead(subnet types.SubnetID) (types.Position, *types.Certificate, error)
	GetCheckpoint() (types.Checkpoint, error)

	GetSourceStreamCertificatesFromPosition(from types.SourcePosition, limit int) ([]*types.Certificate, error)
	GetTargetStreamCertificatesFromPosition(from types.TargetPosition, limit int) ([]*types.Certificate, error)
	GetTargetSourceSubnetList(target types.SubnetID) ([]types.SubnetID, error)

	// GetCheckpointDiff compares the caller's checkpoint against the local
	// head per subnet and returns a bounded page of proofs the caller is
	// missing.
	GetCheckpointDiff(from types.Checkpoint) (map[types.SubnetID][]*types.ProofOfDelivery, error)

	// InsertUnverifiedProofs records proofs received from peers ahead of
	// the certificate bodies they describe.
	InsertUnverifiedProofs(proofs []*types.ProofOfDelivery) error

	// SynchronizeCertificate promotes cert directly to delivered using a
	// previously stored unverified proof, bypassing the double-echo
	// protocol (used by the Synchronizer catch-up path).
	SynchronizeCertificate(cert *types.Certificate) (CertificatePositions, error)

	// Subscribe returns a channel receiving a DeliveryNotification for
	// every successful InsertCertificateDelivered / SynchronizeCertificate.
	Subscribe(buffer int) (<-chan any, Unsubscriber)

	Close() error
}

// Unsubscriber cancels a Subscribe call.
type Unsubscriber interface {
	Unsubscribe()
}

// PendingCertificateID is a monotonically increasing local ordinal,
// assigned exactly once per certificate admitted into the pending pool.
type PendingCertificateID uint64

// PendingEntry pairs a pending-pool certificate with its local ordinal.
type PendingEntry struct {
	ID   PendingCertificateID
	Cert *types.Certificate
}

// PendingLister is implemented by Store backends that can enumerate the
// pending pool without mutating it, used by the Client API's
// GetLastPendingCertificates (§6).
type PendingLister interface {
	ListPendingCertificates() ([]PendingEntry, error)
}
