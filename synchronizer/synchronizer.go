// Package synchronizer implements the periodic checkpoint-diff backfill
// described in §4.G: collect the local checkpoint, ask a randomly selected
// peer for what has changed since, and replay the proofs and certificates
// it returns through the Store's unverified-proof path.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/topos-protocol/topos-tce-broadcast/internal/tlog"
	"github.com/topos-protocol/topos-tce-broadcast/internal/xmetrics"
	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Peer is the Synchronizer's view of a remote node: enough to ask for a
// checkpoint diff and to fetch the certificate bodies it names. In
// production this wraps a transport RPC stub; tests and single-process
// simulations can wrap another node's Store directly.
type Peer interface {
	ID() string
	GetCheckpointDiff(from types.Checkpoint) (map[types.SubnetID][]*types.ProofOfDelivery, error)
	FetchCertificates(ids []types.CertificateID) ([]*types.Certificate, error)
}

// PeerSource supplies candidate peers for a sync attempt. The Synchronizer
// asks for one at random on every tick (§4.G: "a randomly selected peer").
type PeerSource interface {
	RandomPeer() (Peer, bool)
}

// Health reflects whether the last sync attempt succeeded.
type Health int32

const (
	Healthy Health = iota
	Unhealthy
)

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Config bundles Synchronizer construction parameters.
type Config struct {
	Log     tlog.Logger
	Metrics xmetrics.Registry

	Store store.Store
	Peers PeerSource

	// Interval is the time between sync ticks.
	Interval time.Duration
	// MaxAttempts bounds the exponential-backoff retries within a single
	// tick before the tick is abandoned and health flips to Unhealthy.
	MaxAttempts uint64
}

// Synchronizer runs the periodic backfill loop.
type Synchronizer struct {
	log     tlog.Logger
	metrics xmetrics.Registry

	store store.Store
	peers PeerSource

	interval    time.Duration
	maxAttempts uint64

	health atomic.Int32
}

// New constructs a Synchronizer. Call Run to start its ticking loop.
func New(cfg Config) *Synchronizer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	log := cfg.Log
	if log == nil {
		log = tlog.Discard()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = xmetrics.NewNull()
	}
	s := &Synchronizer{
		log:         log,
		metrics:     metrics,
		store:       cfg.Store,
		peers:       cfg.Peers,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
	s.health.Store(int32(Healthy))
	return s
}

// Health reports whether the most recent tick completed successfully.
func (s *Synchronizer) Health() Health { return Health(s.health.Load()) }

// Run ticks every Interval until ctx is cancelled, performing one sync
// attempt per tick.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs sync attempts with bounded exponential backoff until syncOnce
// reports the subnet set caught up, transitioning Health to Unhealthy only if every
// attempt within the tick fails (§4.G). GetCheckpointDiff returns at most
// MaxCheckpointPage proofs per subnet, so a subnet more than one page behind
// needs several syncOnce calls to fully catch up; looping here, rather than
// waiting for the next ticker fire, is what lets one tick drain an arbitrary
// backlog instead of advancing by one page per Interval.
func (s *Synchronizer) tick(ctx context.Context) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxAttempts), ctx)
	for {
		var caughtUp bool
		err := backoff.Retry(func() error {
			var err error
			caughtUp, err = s.syncOnce()
			return err
		}, policy)
		if err != nil {
			s.log.Warn("sync attempt exhausted retries", "err", err)
			s.health.Store(int32(Unhealthy))
			s.metrics.Counter("synchronizer/failed_ticks").Inc(1)
			return
		}
		s.health.Store(int32(Healthy))
		if caughtUp {
			return
		}
		policy.Reset()
		if ctx.Err() != nil {
			return
		}
	}
}

var errNoPeer = errors.New("synchronizer: no peer available")

// syncOnce fetches and applies a single checkpoint-diff page. The returned
// bool reports whether the peer's diff was empty or no subnet's page came
// back full (MaxCheckpointPage proofs), i.e. this subnet set is fully caught
// up and tick need not call syncOnce again.
func (s *Synchronizer) syncOnce() (bool, error) {
	peer, ok := s.peers.RandomPeer()
	if !ok {
		return false, errNoPeer
	}

	local, err := s.store.GetCheckpoint()
	if err != nil {
		return false, fmt.Errorf("synchronizer: local checkpoint: %w", err)
	}

	diff, err := peer.GetCheckpointDiff(local)
	if err != nil {
		return false, fmt.Errorf("synchronizer: checkpoint diff from %s: %w", peer.ID(), err)
	}
	if len(diff) == 0 {
		return true, nil
	}

	var allProofs []*types.ProofOfDelivery
	var missing []types.CertificateID
	fullPage := false
	for _, proofs := range diff {
		if len(proofs) >= store.MaxCheckpointPage {
			fullPage = true
		}
		for _, p := range proofs {
			allProofs = append(allProofs, p)
			if _, _, err := s.store.GetCertificate(p.CertificateID); err != nil {
				missing = append(missing, p.CertificateID)
			}
		}
	}
	if err := s.store.InsertUnverifiedProofs(allProofs); err != nil {
		return false, fmt.Errorf("synchronizer: insert unverified proofs: %w", err)
	}

	if len(missing) > 0 {
		certs, err := peer.FetchCertificates(missing)
		if err != nil {
			return false, fmt.Errorf("synchronizer: fetch certificates from %s: %w", peer.ID(), err)
		}
		for _, cert := range certs {
			if _, err := s.store.SynchronizeCertificate(cert); err != nil && !errors.Is(err, types.ErrAlreadyDelivered) {
				s.log.Warn("failed to synchronize certificate", "cert", cert.ID.String(), "err", err)
			}
		}
		s.metrics.Counter("synchronizer/certificates_backfilled").Inc(int64(len(certs)))
	}

	// A page pinned at MaxCheckpointPage for any subnet means that subnet
	// may still have more to give; ask again with the new local checkpoint
	// rather than waiting for the next Interval tick.
	return !fullPage, nil
}

// RandomPeerList is a PeerSource backed by a plain slice, used by tests and
// small deployments where the peer set changes rarely.
type RandomPeerList struct {
	peers []Peer
}

// NewRandomPeerList constructs a RandomPeerList from a fixed peer set.
func NewRandomPeerList(peers ...Peer) *RandomPeerList {
	return &RandomPeerList{peers: peers}
}

func (l *RandomPeerList) RandomPeer() (Peer, bool) {
	if len(l.peers) == 0 {
		return nil, false
	}
	return l.peers[rand.Intn(len(l.peers))], true
}
