// Package api implements the Client API facade of §6: certificate
// submission, head/pending lookups, and the subscription stream consumers
// use to follow deliveries for subnets they care about.
package api

import (
	"errors"

	"github.com/topos-protocol/topos-tce-broadcast/doubleecho"
	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// SubmitOutcome tags the three possible results of SubmitCertificate (§6).
type SubmitOutcome int

const (
	InPending SubmitOutcome = iota
	AwaitPrecedence
	AlreadyDelivered
)

// PendingEntry is the client-facing view of a pending certificate: the
// certificate itself and its local pending-pool ordinal.
type PendingEntry struct {
	Certificate *types.Certificate
	LocalIndex  store.PendingCertificateID
}

// BroadcastClient is the facade every external caller (the CLI, a gRPC/HTTP
// shim, the Synchronizer's local-peer adapter) goes through instead of
// touching the Store or the Driver directly.
type BroadcastClient struct {
	store  store.Store
	driver *doubleecho.Driver
}

// New constructs a BroadcastClient over a Store and the Driver that admits
// certificates into it.
func New(s store.Store, d *doubleecho.Driver) *BroadcastClient {
	return &BroadcastClient{store: s, driver: d}
}

// SubmitCertificate admits cert for broadcast, reporting which of the three
// outcomes in §6 applied. AwaitPrecedence means the certificate's prev_id
// has not been delivered yet, so it is parked in the precedence pool.
func (c *BroadcastClient) SubmitCertificate(cert *types.Certificate) (SubmitOutcome, error) {
	if _, _, err := c.store.GetCertificate(cert.ID); err == nil {
		return AlreadyDelivered, nil
	}
	if err := c.driver.SubmitCertificate(cert); err != nil {
		if errors.Is(err, types.ErrCertificateAlreadyExists) {
			return AlreadyDelivered, nil
		}
		return 0, err
	}
	if cert.IsGenesis() {
		return InPending, nil
	}
	if _, _, err := c.store.GetCertificate(cert.PrevID); err != nil {
		return AwaitPrecedence, nil
	}
	return InPending, nil
}

// GetSourceHead returns the current head position and certificate for
// subnet, or types.ErrUnknownSubnet if nothing has been delivered for it.
func (c *BroadcastClient) GetSourceHead(subnet types.SubnetID) (types.Position, *types.Certificate, error) {
	return c.store.GetSourceHead(subnet)
}

// GetLastPendingCertificates returns, for each requested subnet, the most
// recently admitted pending certificate and its local ordinal, if any.
func (c *BroadcastClient) GetLastPendingCertificates(subnets []types.SubnetID) (map[types.SubnetID]*PendingEntry, error) {
	lister, ok := c.store.(store.PendingLister)
	if !ok {
		return nil, errors.New("api: store does not support pending enumeration")
	}
	entries, err := lister.ListPendingCertificates()
	if err != nil {
		return nil, err
	}

	wanted := make(map[types.SubnetID]bool, len(subnets))
	for _, s := range subnets {
		wanted[s] = true
	}

	out := make(map[types.SubnetID]*PendingEntry, len(subnets))
	for _, e := range entries {
		subnet := e.Cert.SourceSubnetID
		if !wanted[subnet] {
			continue
		}
		out[subnet] = &PendingEntry{Certificate: e.Cert, LocalIndex: e.ID}
	}
	return out, nil
}

// FetchCertificates looks up certificate bodies by id, used by the
// Synchronizer's catch-up path (§4.G).
func (c *BroadcastClient) FetchCertificates(ids []types.CertificateID) ([]*types.Certificate, error) {
	return c.store.GetCertificates(ids)
}

// FetchCheckpoint resolves the delivery proofs a caller already holds into
// the subnets' current diff, the same computation GetCheckpointDiff does,
// exposed here for callers that already have individual proofs rather than
// a full Checkpoint map.
func (c *BroadcastClient) FetchCheckpoint(proofs []*types.ProofOfDelivery) (map[types.SubnetID][]*types.ProofOfDelivery, error) {
	cp := make(types.Checkpoint, len(proofs))
	for _, p := range proofs {
		cp[p.DeliveryPosition.Subnet] = *p
	}
	return c.store.GetCheckpointDiff(cp)
}
