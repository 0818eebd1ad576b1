// Package memstore is a volatile, in-memory Store implementation: the
// reference for correctness tests and the backing for the Synchronizer's
// unit tests. It enforces the same invariants as store/leveldb but keeps
// everything in maps guarded by per-subnet locks (§5).
package memstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tevent"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

type certEntry struct {
	cert  *types.Certificate
	proof *types.ProofOfDelivery
}

// precedenceEntry tags a precedence_pool entry with its admission time so
// precedence.Sweeper can age it out.
type precedenceEntry struct {
	cert       *types.Certificate
	insertedAt time.Time
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	certificates map[types.CertificateID]*certEntry
	sourceStream map[types.SubnetID][]types.CertificateID // index == position
	targetStream map[types.SubnetID]map[types.SubnetID][]types.CertificateID

	pendingOrder []store.PendingCertificateID
	pendingPool  map[store.PendingCertificateID]*types.Certificate
	pendingIndex map[types.CertificateID]store.PendingCertificateID

	precedencePool map[types.CertificateID][]precedenceEntry // keyed by prev_id

	unverified map[types.CertificateID]*types.ProofOfDelivery

	subnetLocks map[types.SubnetID]*sync.Mutex
	certLocks   map[types.CertificateID]*sync.Mutex

	nextPendingID atomic.Uint64
	feed          tevent.Feed
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		certificates:   make(map[types.CertificateID]*certEntry),
		sourceStream:   make(map[types.SubnetID][]types.CertificateID),
		targetStream:   make(map[types.SubnetID]map[types.SubnetID][]types.CertificateID),
		pendingPool:    make(map[store.PendingCertificateID]*types.Certificate),
		pendingIndex:   make(map[types.CertificateID]store.PendingCertificateID),
		precedencePool: make(map[types.CertificateID][]precedenceEntry),
		unverified:     make(map[types.CertificateID]*types.ProofOfDelivery),
		subnetLocks:    make(map[types.SubnetID]*sync.Mutex),
		certLocks:      make(map[types.CertificateID]*sync.Mutex),
	}
}

func (s *Store) subnetLock(subnet types.SubnetID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.subnetLocks[subnet]
	if !ok {
		l = &sync.Mutex{}
		s.subnetLocks[subnet] = l
	}
	return l
}

func (s *Store) certLock(id types.CertificateID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.certLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.certLocks[id] = l
	}
	return l
}

// InsertCertificateDelivered implements store.Store.
func (s *Store) InsertCertificateDelivered(cd store.CertificateDelivered) (store.CertificatePositions, error) {
	cert := cd.Certificate
	lock := s.subnetLock(cert.SourceSubnetID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if _, exists := s.certificates[cert.ID]; exists {
		s.mu.Unlock()
		return store.CertificatePositions{}, types.ErrAlreadyDelivered
	}
	chain := s.sourceStream[cert.SourceSubnetID]
	s.mu.Unlock()

	if !cert.IsGenesis() {
		tipID, tipOK := s.tipOf(chain)
		if !tipOK || tipID != cert.PrevID {
			winner := types.CertificateID{}
			if tipOK {
				winner = tipID
			}
			return store.CertificatePositions{}, &types.PrecedenceError{
				SourceSubnet: cert.SourceSubnetID,
				PrevID:       cert.PrevID,
				WinnerID:     winner,
			}
		}
	} else if len(chain) > 0 {
		return store.CertificatePositions{}, &types.PrecedenceError{
			SourceSubnet: cert.SourceSubnetID,
			PrevID:       types.ZeroCertificateID,
			WinnerID:     chain[0],
		}
	}

	positions := s.commitDelivery(cert, cd.Proof)
	s.feed.Send(store.DeliveryNotification{Certificate: cert, Positions: positions})
	return positions, nil
}

func (s *Store) tipOf(chain []types.CertificateID) (types.CertificateID, bool) {
	if len(chain) == 0 {
		return types.CertificateID{}, false
	}
	return chain[len(chain)-1], true
}

// commitDelivery writes every row of a delivery atomically with respect to
// readers (held under the caller's per-subnet lock and the store mutex),
// so no reader ever observes a half-applied certificate.
func (s *Store) commitDelivery(cert *types.Certificate, proof *types.ProofOfDelivery) store.CertificatePositions {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := types.Position(len(s.sourceStream[cert.SourceSubnetID]))
	s.sourceStream[cert.SourceSubnetID] = append(s.sourceStream[cert.SourceSubnetID], cert.ID)

	targets := make([]types.TargetPosition, 0, len(cert.TargetSubnets))
	for _, target := range cert.TargetSubnets {
		if s.targetStream[target] == nil {
			s.targetStream[target] = make(map[types.SubnetID][]types.CertificateID)
		}
		tpos := types.Position(len(s.targetStream[target][cert.SourceSubnetID]))
		s.targetStream[target][cert.SourceSubnetID] = append(s.targetStream[target][cert.SourceSubnetID], cert.ID)
		targets = append(targets, types.TargetPosition{Target: target, Source: cert.SourceSubnetID, Position: tpos})
	}

	if proof == nil {
		proof = &types.ProofOfDelivery{
			CertificateID:    cert.ID,
			DeliveryPosition: types.SourcePosition{Subnet: cert.SourceSubnetID, Position: pos},
		}
	}
	s.certificates[cert.ID] = &certEntry{cert: cert, proof: proof}

	if pendingID, ok := s.pendingIndex[cert.ID]; ok {
		delete(s.pendingPool, pendingID)
		delete(s.pendingIndex, cert.ID)
		s.removeFromOrder(pendingID)
	}
	delete(s.unverified, cert.ID)

	return store.CertificatePositions{
		Source:  types.SourcePosition{Subnet: cert.SourceSubnetID, Position: pos},
		Targets: targets,
	}
}

func (s *Store) removeFromOrder(id store.PendingCertificateID) {
	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			return
		}
	}
}

// InsertPendingCertificate implements store.Store.
func (s *Store) InsertPendingCertificate(cert *types.Certificate) (*store.PendingCertificateID, error) {
	lock := s.certLock(cert.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, delivered := s.certificates[cert.ID]
	s.mu.RUnlock()
	if delivered {
		return nil, types.ErrCertificateAlreadyExists
	}

	prevLock := s.certLock(cert.PrevID)
	if cert.PrevID != cert.ID {
		prevLock.Lock()
		defer prevLock.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, prevDelivered := s.certificates[cert.PrevID]
	if cert.IsGenesis() || prevDelivered {
		id := store.PendingCertificateID(s.nextPendingID.Add(1))
		s.pendingPool[id] = cert
		s.pendingIndex[cert.ID] = id
		s.pendingOrder = append(s.pendingOrder, id)
		return &id, nil
	}

	s.precedencePool[cert.PrevID] = append(s.precedencePool[cert.PrevID], precedenceEntry{cert: cert, insertedAt: time.Now()})
	return nil, nil
}

// PromotePrecedenceDependents implements store.Store.
func (s *Store) PromotePrecedenceDependents(deliveredID types.CertificateID) ([]*types.Certificate, error) {
	s.mu.Lock()
	dependents := s.precedencePool[deliveredID]
	delete(s.precedencePool, deliveredID)
	s.mu.Unlock()

	promoted := make([]*types.Certificate, 0, len(dependents))
	for _, entry := range dependents {
		s.mu.Lock()
		id := store.PendingCertificateID(s.nextPendingID.Add(1))
		s.pendingPool[id] = entry.cert
		s.pendingIndex[entry.cert.ID] = id
		s.pendingOrder = append(s.pendingOrder, id)
		s.mu.Unlock()
		promoted = append(promoted, entry.cert)
	}
	return promoted, nil
}

// PrunePrecedenceOlderThan removes precedence_pool entries admitted more
// than ttl ago, implementing precedence.Pruner for precedence.Sweeper. A
// pruned entry's certificate never becomes pending: its prev_id was
// unreachable for the full TTL, so the submitter must resubmit it.
func (s *Store) PrunePrecedenceOlderThan(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for prevID, entries := range s.precedencePool {
		kept := entries[:0]
		for _, e := range entries {
			if e.insertedAt.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.precedencePool, prevID)
		} else {
			s.precedencePool[prevID] = kept
		}
	}
	return pruned, nil
}

// PopPendingCertificate implements store.Store.
func (s *Store) PopPendingCertificate() (*types.Certificate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingOrder) == 0 {
		return nil, false, nil
	}
	id := s.pendingOrder[0]
	s.pendingOrder = s.pendingOrder[1:]
	cert := s.pendingPool[id]
	delete(s.pendingPool, id)
	delete(s.pendingIndex, cert.ID)
	return cert, true, nil
}

// ListPendingCertificates implements store.PendingLister, in pending-pool
// (FIFO admission) order.
func (s *Store) ListPendingCertificates() ([]store.PendingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.PendingEntry, 0, len(s.pendingOrder))
	for _, id := range s.pendingOrder {
		out = append(out, store.PendingEntry{ID: id, Cert: s.pendingPool[id]})
	}
	return out, nil
}

// GetCertificate implements store.Store.
func (s *Store) GetCertificate(id types.CertificateID) (*types.Certificate, *types.ProofOfDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.certificates[id]
	if !ok {
		return nil, nil, types.ErrUnknownCertificate
	}
	return entry.cert, entry.proof, nil
}

// GetCertificates implements store.Store.
func (s *Store) GetCertificates(ids []types.CertificateID) ([]*types.Certificate, error) {
	out := make([]*types.Certificate, 0, len(ids))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if entry, ok := s.certificates[id]; ok {
			out = append(out, entry.cert)
		}
	}
	return out, nil
}

// GetSourceHead implements store.Store.
func (s *Store) GetSourceHead(subnet types.SubnetID) (types.Position, *types.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.sourceStream[subnet]
	if len(chain) == 0 {
		return 0, nil, types.ErrUnknownSubnet
	}
	id := chain[len(chain)-1]
	return types.Position(len(chain) - 1), s.certificates[id].cert, nil
}

// GetCheckpoint implements store.Store.
func (s *Store) GetCheckpoint() (types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(types.Checkpoint, len(s.sourceStream))
	for subnet, chain := range s.sourceStream {
		if len(chain) == 0 {
			continue
		}
		id := chain[len(chain)-1]
		cp[subnet] = *s.certificates[id].proof
	}
	return cp, nil
}

// GetSourceStreamCertificatesFromPosition implements store.Store. Ordering
// is deterministic by position, ties never occur since positions are
// unique per subnet (I3).
func (s *Store) GetSourceStreamCertificatesFromPosition(from types.SourcePosition, limit int) ([]*types.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.sourceStream[from.Subnet]
	start := int(from.Position)
	if start >= len(chain) {
		return nil, nil
	}
	end := start + limit
	if limit <= 0 || end > len(chain) {
		end = len(chain)
	}
	out := make([]*types.Certificate, 0, end-start)
	for _, id := range chain[start:end] {
		out = append(out, s.certificates[id].cert)
	}
	return out, nil
}

// GetTargetStreamCertificatesFromPosition implements store.Store.
func (s *Store) GetTargetStreamCertificatesFromPosition(from types.TargetPosition, limit int) ([]*types.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.targetStream[from.Target][from.Source]
	start := int(from.Position)
	if start >= len(chain) {
		return nil, nil
	}
	end := start + limit
	if limit <= 0 || end > len(chain) {
		end = len(chain)
	}
	out := make([]*types.Certificate, 0, end-start)
	for _, id := range chain[start:end] {
		out = append(out, s.certificates[id].cert)
	}
	return out, nil
}

// GetTargetSourceSubnetList implements store.Store.
func (s *Store) GetTargetSourceSubnetList(target types.SubnetID) ([]types.SubnetID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources := s.targetStream[target]
	out := make([]types.SubnetID, 0, len(sources))
	for source := range sources {
		out = append(out, source)
	}
	return out, nil
}

// GetCheckpointDiff implements store.Store.
func (s *Store) GetCheckpointDiff(from types.Checkpoint) (map[types.SubnetID][]*types.ProofOfDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diff := make(map[types.SubnetID][]*types.ProofOfDelivery)
	for subnet, chain := range s.sourceStream {
		var startPos types.Position
		if p, ok := from.Position(subnet); ok {
			startPos = p + 1
		}
		if int(startPos) >= len(chain) {
			continue
		}
		end := int(startPos) + store.MaxCheckpointPage
		if end > len(chain) {
			end = len(chain)
		}
		proofs := make([]*types.ProofOfDelivery, 0, end-int(startPos))
		for _, id := range chain[startPos:end] {
			proofs = append(proofs, s.certificates[id].proof)
		}
		if len(proofs) > 0 {
			diff[subnet] = proofs
		}
	}
	return diff, nil
}

// InsertUnverifiedProofs implements store.Store.
func (s *Store) InsertUnverifiedProofs(proofs []*types.ProofOfDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range proofs {
		if _, delivered := s.certificates[p.CertificateID]; delivered {
			continue
		}
		s.unverified[p.CertificateID] = p
	}
	return nil
}

// SynchronizeCertificate implements store.Store.
func (s *Store) SynchronizeCertificate(cert *types.Certificate) (store.CertificatePositions, error) {
	lock := s.subnetLock(cert.SourceSubnetID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if _, exists := s.certificates[cert.ID]; exists {
		s.mu.Unlock()
		return store.CertificatePositions{}, types.ErrAlreadyDelivered
	}
	proof, ok := s.unverified[cert.ID]
	s.mu.Unlock()
	if !ok {
		return store.CertificatePositions{}, types.ErrUnknownCertificate
	}

	positions := s.commitDelivery(cert, proof)
	s.feed.Send(store.DeliveryNotification{Certificate: cert, Positions: positions})
	return positions, nil
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(buffer int) (<-chan any, store.Unsubscriber) {
	ch, sub := s.feed.Subscribe(buffer)
	return ch, sub
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }
