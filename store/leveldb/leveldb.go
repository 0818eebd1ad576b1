package leveldb

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/topos-protocol/topos-tce-broadcast/internal/tevent"
	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Store is a disk-backed store.Store implementation. Per §6 it is meant to
// be paired with a second, volatile database for the pending tables; here
// both "databases" are modeled as the same *leveldb.DB with disjoint key
// prefixes, and TruncatePending implements the "pending database may be
// truncated on restart" contract by deleting only the pending-prefixed
// rows.
type Store struct {
	db *leveldb.DB

	subnetLocksMu sync.Mutex
	subnetLocks   map[types.SubnetID]*sync.Mutex
	certLocksMu   sync.Mutex
	certLocks     map[types.CertificateID]*sync.Mutex

	nextPendingID atomic.Uint64
	feed          tevent.Feed

	// certCache holds recently-delivered certificates to avoid refetching
	// hot chain tips from disk on every InsertCertificateDelivered.
	certCache *lru.Cache[types.CertificateID, *types.Certificate]
}

// Open opens (creating if absent) a LevelDB-backed store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[types.CertificateID, *types.Certificate](4096)
	s := &Store{
		db:          db,
		subnetLocks: make(map[types.SubnetID]*sync.Mutex),
		certLocks:   make(map[types.CertificateID]*sync.Mutex),
		certCache:   cache,
	}
	if err := s.restoreNextPendingID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) restoreNextPendingID() error {
	v, err := s.db.Get(metaKeyNextPendingID, nil)
	if err == ldberrors.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	s.nextPendingID.Store(binary.BigEndian.Uint64(v))
	return nil
}

func (s *Store) subnetLock(subnet types.SubnetID) *sync.Mutex {
	s.subnetLocksMu.Lock()
	defer s.subnetLocksMu.Unlock()
	l, ok := s.subnetLocks[subnet]
	if !ok {
		l = &sync.Mutex{}
		s.subnetLocks[subnet] = l
	}
	return l
}

func (s *Store) certLock(id types.CertificateID) *sync.Mutex {
	s.certLocksMu.Lock()
	defer s.certLocksMu.Unlock()
	l, ok := s.certLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.certLocks[id] = l
	}
	return l
}

// getCertificate fetches a delivered certificate and its proof. The proof
// changes only by being replaced wholesale (never mutated in place), so the
// certCache need only remember the certificate body to skip re-decoding it
// on the hot chain-tip-lookup path; the proof is still read fresh each
// call.
func (s *Store) getCertificate(id types.CertificateID) (*types.Certificate, *types.ProofOfDelivery, error) {
	v, err := s.db.Get(certificateKey(id), nil)
	if err == ldberrors.ErrNotFound {
		return nil, nil, types.ErrUnknownCertificate
	}
	if err != nil {
		return nil, nil, err
	}
	if cached, ok := s.certCache.Get(id); ok {
		_, proof, err := decodeCertAndProof(v)
		if err != nil {
			return nil, nil, err
		}
		return cached, proof, nil
	}
	cert, proof, err := decodeCertAndProof(v)
	if err != nil {
		return nil, nil, err
	}
	s.certCache.Add(id, cert)
	return cert, proof, nil
}

func encodeCertAndProof(cert *types.Certificate, proof *types.ProofOfDelivery) []byte {
	certBytes := types.EncodeCertificate(cert)
	proofBytes := types.EncodeProofOfDelivery(proof)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(certBytes)))
	out := make([]byte, 0, 4+len(certBytes)+len(proofBytes))
	out = append(out, lenPrefix[:]...)
	out = append(out, certBytes...)
	out = append(out, proofBytes...)
	return out
}

func decodeCertAndProof(v []byte) (*types.Certificate, *types.ProofOfDelivery, error) {
	if len(v) < 4 {
		return nil, nil, types.ErrMalformed
	}
	clen := binary.BigEndian.Uint32(v[:4])
	if int(4+clen) > len(v) {
		return nil, nil, types.ErrMalformed
	}
	cert, err := types.DecodeCertificate(v[4 : 4+clen])
	if err != nil {
		return nil, nil, err
	}
	proof, err := types.DecodeProofOfDelivery(v[4+clen:])
	if err != nil {
		return nil, nil, err
	}
	return cert, proof, nil
}

// InsertCertificateDelivered implements store.Store.
func (s *Store) InsertCertificateDelivered(cd store.CertificateDelivered) (store.CertificatePositions, error) {
	cert := cd.Certificate
	lock := s.subnetLock(cert.SourceSubnetID)
	lock.Lock()
	defer lock.Unlock()

	if _, _, err := s.getCertificate(cert.ID); err == nil {
		return store.CertificatePositions{}, types.ErrAlreadyDelivered
	}

	head, tipID, hasHead, err := s.sourceHead(cert.SourceSubnetID)
	if err != nil {
		return store.CertificatePositions{}, err
	}

	var nextPos types.Position
	if cert.IsGenesis() {
		if hasHead {
			return store.CertificatePositions{}, &types.PrecedenceError{SourceSubnet: cert.SourceSubnetID, PrevID: types.ZeroCertificateID, WinnerID: tipID}
		}
		nextPos = 0
	} else {
		if !hasHead || tipID != cert.PrevID {
			winner := types.CertificateID{}
			if hasHead {
				winner = tipID
			}
			return store.CertificatePositions{}, &types.PrecedenceError{SourceSubnet: cert.SourceSubnetID, PrevID: cert.PrevID, WinnerID: winner}
		}
		nextPos = head + 1
	}

	proof := cd.Proof
	if proof == nil {
		proof = &types.ProofOfDelivery{CertificateID: cert.ID, DeliveryPosition: types.SourcePosition{Subnet: cert.SourceSubnetID, Position: nextPos}}
	}

	batch := new(leveldb.Batch)
	batch.Put(certificateKey(cert.ID), encodeCertAndProof(cert, proof))
	batch.Put(sourceStreamKey(cert.SourceSubnetID, nextPos), cert.ID[:])
	batch.Put(sourceHeadKey(cert.SourceSubnetID), encodeHead(nextPos, cert.ID))

	targets := make([]types.TargetPosition, 0, len(cert.TargetSubnets))
	for _, target := range cert.TargetSubnets {
		tpos, err := s.nextTargetPosition(target, cert.SourceSubnetID)
		if err != nil {
			return store.CertificatePositions{}, err
		}
		batch.Put(targetStreamKey(target, cert.SourceSubnetID, tpos), cert.ID[:])
		targets = append(targets, types.TargetPosition{Target: target, Source: cert.SourceSubnetID, Position: tpos})
	}

	if pendingID, ok, err := s.pendingIDFor(cert.ID); err == nil && ok {
		batch.Delete(pendingPoolKey(pendingID))
		batch.Delete(pendingIndexKey(cert.ID))
	}
	batch.Delete(unverifiedKey(cert.ID))

	if err := s.db.Write(batch, nil); err != nil {
		return store.CertificatePositions{}, err
	}
	s.certCache.Add(cert.ID, cert)

	positions := store.CertificatePositions{
		Source:  types.SourcePosition{Subnet: cert.SourceSubnetID, Position: nextPos},
		Targets: targets,
	}
	s.feed.Send(store.DeliveryNotification{Certificate: cert, Positions: positions})
	return positions, nil
}

func encodeHead(pos types.Position, id types.CertificateID) []byte {
	out := make([]byte, 0, 8+32)
	out = append(out, types.PositionBytes(pos)...)
	out = append(out, id[:]...)
	return out
}

func decodeHead(v []byte) (types.Position, types.CertificateID) {
	pos := types.BytesToPosition(v[:8])
	var id types.CertificateID
	copy(id[:], v[8:40])
	return pos, id
}

func (s *Store) sourceHead(subnet types.SubnetID) (types.Position, types.CertificateID, bool, error) {
	v, err := s.db.Get(sourceHeadKey(subnet), nil)
	if err == ldberrors.ErrNotFound {
		return 0, types.CertificateID{}, false, nil
	}
	if err != nil {
		return 0, types.CertificateID{}, false, err
	}
	pos, id := decodeHead(v)
	return pos, id, true, nil
}

func (s *Store) nextTargetPosition(target, source types.SubnetID) (types.Position, error) {
	prefix := targetStreamPrefix(target, source)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	count := types.Position(0)
	for it.Next() {
		count++
	}
	return count, it.Error()
}

func (s *Store) pendingIDFor(certID types.CertificateID) (uint64, bool, error) {
	v, err := s.db.Get(pendingIndexKey(certID), nil)
	if err == ldberrors.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// InsertPendingCertificate implements store.Store.
func (s *Store) InsertPendingCertificate(cert *types.Certificate) (*store.PendingCertificateID, error) {
	lock := s.certLock(cert.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, _, err := s.getCertificate(cert.ID); err == nil {
		return nil, types.ErrCertificateAlreadyExists
	}

	_, _, prevErr := s.getCertificate(cert.PrevID)
	delivered := prevErr == nil

	if cert.IsGenesis() || delivered {
		id := s.nextPendingID.Add(1)
		batch := new(leveldb.Batch)
		batch.Put(pendingPoolKey(id), types.EncodeCertificate(cert))
		batch.Put(pendingIndexKey(cert.ID), encodeUint64(id))
		batch.Put(metaKeyNextPendingID, encodeUint64(id))
		if err := s.db.Write(batch, nil); err != nil {
			return nil, err
		}
		pid := store.PendingCertificateID(id)
		return &pid, nil
	}

	if err := s.db.Put(precedenceKey(cert.PrevID, cert.ID), encodePrecedenceEntry(cert), nil); err != nil {
		return nil, err
	}
	return nil, nil
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// precedence_pool rows are stamped with their admission time (8-byte
// big-endian unix nanoseconds) so PrunePrecedenceOlderThan can age unreachable
// entries out without a separate index.
func encodePrecedenceEntry(cert *types.Certificate) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
	return append(ts[:], types.EncodeCertificate(cert)...)
}

func decodePrecedenceEntry(v []byte) (*types.Certificate, time.Time, error) {
	if len(v) < 8 {
		return nil, time.Time{}, types.ErrMalformed
	}
	ts := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8])))
	cert, err := types.DecodeCertificate(v[8:])
	return cert, ts, err
}

// PromotePrecedenceDependents implements store.Store.
func (s *Store) PromotePrecedenceDependents(deliveredID types.CertificateID) ([]*types.Certificate, error) {
	prefix := precedencePrefix(deliveredID)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var promoted []*types.Certificate
	var keysToDelete [][]byte
	for it.Next() {
		cert, _, err := decodePrecedenceEntry(it.Value())
		if err != nil {
			return nil, err
		}
		promoted = append(promoted, cert)
		keysToDelete = append(keysToDelete, append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	batch := new(leveldb.Batch)
	for _, k := range keysToDelete {
		batch.Delete(k)
	}
	for _, cert := range promoted {
		id := s.nextPendingID.Add(1)
		batch.Put(pendingPoolKey(id), types.EncodeCertificate(cert))
		batch.Put(pendingIndexKey(cert.ID), encodeUint64(id))
		batch.Put(metaKeyNextPendingID, encodeUint64(id))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, err
	}
	return promoted, nil
}

// PopPendingCertificate implements store.Store.
func (s *Store) PopPendingCertificate() (*types.Certificate, bool, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixPendingPool), nil)
	defer it.Release()
	if !it.Next() {
		return nil, false, it.Error()
	}
	key := append([]byte(nil), it.Key()...)
	cert, err := types.DecodeCertificate(it.Value())
	if err != nil {
		return nil, false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(key)
	batch.Delete(pendingIndexKey(cert.ID))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, false, err
	}
	return cert, true, nil
}

// ListPendingCertificates implements store.PendingLister, in pending-pool
// key order, which is admission order since pendingPoolKey big-endian
// encodes the monotonically increasing PendingCertificateID.
func (s *Store) ListPendingCertificates() ([]store.PendingEntry, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixPendingPool), nil)
	defer it.Release()

	var out []store.PendingEntry
	for it.Next() {
		key := it.Key()
		id := binary.BigEndian.Uint64(key[len(prefixPendingPool):])
		cert, err := types.DecodeCertificate(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, store.PendingEntry{ID: store.PendingCertificateID(id), Cert: cert})
	}
	return out, it.Error()
}

// GetCertificate implements store.Store.
func (s *Store) GetCertificate(id types.CertificateID) (*types.Certificate, *types.ProofOfDelivery, error) {
	return s.getCertificate(id)
}

// GetCertificates implements store.Store.
func (s *Store) GetCertificates(ids []types.CertificateID) ([]*types.Certificate, error) {
	out := make([]*types.Certificate, 0, len(ids))
	for _, id := range ids {
		cert, _, err := s.getCertificate(id)
		if err == nil {
			out = append(out, cert)
		}
	}
	return out, nil
}

// GetSourceHead implements store.Store.
func (s *Store) GetSourceHead(subnet types.SubnetID) (types.Position, *types.Certificate, error) {
	pos, id, ok, err := s.sourceHead(subnet)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, types.ErrUnknownSubnet
	}
	cert, _, err := s.getCertificate(id)
	return pos, cert, err
}

// GetCheckpoint implements store.Store.
func (s *Store) GetCheckpoint() (types.Checkpoint, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixSourceHead), nil)
	defer it.Release()
	cp := make(types.Checkpoint)
	for it.Next() {
		var subnet types.SubnetID
		copy(subnet[:], it.Key()[len(prefixSourceHead):])
		_, id := decodeHead(it.Value())
		_, proof, err := s.getCertificate(id)
		if err != nil {
			return nil, err
		}
		cp[subnet] = *proof
	}
	return cp, it.Error()
}

// GetSourceStreamCertificatesFromPosition implements store.Store.
func (s *Store) GetSourceStreamCertificatesFromPosition(from types.SourcePosition, limit int) ([]*types.Certificate, error) {
	start := sourceStreamKey(from.Subnet, from.Position)
	prefixRange := util.BytesPrefix(sourceStreamPrefix(from.Subnet))
	it := s.db.NewIterator(&util.Range{Start: start, Limit: prefixRange.Limit}, nil)
	defer it.Release()

	var out []*types.Certificate
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var id types.CertificateID
		copy(id[:], it.Value())
		cert, _, err := s.getCertificate(id)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, it.Error()
}

// GetTargetStreamCertificatesFromPosition implements store.Store.
func (s *Store) GetTargetStreamCertificatesFromPosition(from types.TargetPosition, limit int) ([]*types.Certificate, error) {
	start := targetStreamKey(from.Target, from.Source, from.Position)
	prefixRange := util.BytesPrefix(targetStreamPrefix(from.Target, from.Source))
	it := s.db.NewIterator(&util.Range{Start: start, Limit: prefixRange.Limit}, nil)
	defer it.Release()

	var out []*types.Certificate
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var id types.CertificateID
		copy(id[:], it.Value())
		cert, _, err := s.getCertificate(id)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, it.Error()
}

// GetTargetSourceSubnetList implements store.Store.
func (s *Store) GetTargetSourceSubnetList(target types.SubnetID) ([]types.SubnetID, error) {
	prefix := targetStreamSourcesPrefix(target)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	seen := make(map[types.SubnetID]struct{})
	var out []types.SubnetID
	for it.Next() {
		var source types.SubnetID
		copy(source[:], it.Key()[len(prefix):len(prefix)+32])
		if _, ok := seen[source]; !ok {
			seen[source] = struct{}{}
			out = append(out, source)
		}
	}
	return out, it.Error()
}

// GetCheckpointDiff implements store.Store.
func (s *Store) GetCheckpointDiff(from types.Checkpoint) (map[types.SubnetID][]*types.ProofOfDelivery, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefixSourceHead), nil)
	defer it.Release()

	diff := make(map[types.SubnetID][]*types.ProofOfDelivery)
	for it.Next() {
		var subnet types.SubnetID
		copy(subnet[:], it.Key()[len(prefixSourceHead):])

		var startPos types.Position
		if p, ok := from.Position(subnet); ok {
			startPos = p + 1
		}
		certs, err := s.GetSourceStreamCertificatesFromPosition(types.SourcePosition{Subnet: subnet, Position: startPos}, store.MaxCheckpointPage)
		if err != nil {
			return nil, err
		}
		proofs := make([]*types.ProofOfDelivery, 0, len(certs))
		for _, c := range certs {
			_, proof, err := s.getCertificate(c.ID)
			if err != nil {
				return nil, err
			}
			proofs = append(proofs, proof)
		}
		if len(proofs) > 0 {
			diff[subnet] = proofs
		}
	}
	return diff, it.Error()
}

// InsertUnverifiedProofs implements store.Store.
func (s *Store) InsertUnverifiedProofs(proofs []*types.ProofOfDelivery) error {
	batch := new(leveldb.Batch)
	for _, p := range proofs {
		if _, _, err := s.getCertificate(p.CertificateID); err == nil {
			continue
		}
		batch.Put(unverifiedKey(p.CertificateID), types.EncodeProofOfDelivery(p))
	}
	return s.db.Write(batch, nil)
}

// SynchronizeCertificate implements store.Store.
func (s *Store) SynchronizeCertificate(cert *types.Certificate) (store.CertificatePositions, error) {
	lock := s.subnetLock(cert.SourceSubnetID)
	lock.Lock()
	defer lock.Unlock()

	if _, _, err := s.getCertificate(cert.ID); err == nil {
		return store.CertificatePositions{}, types.ErrAlreadyDelivered
	}
	v, err := s.db.Get(unverifiedKey(cert.ID), nil)
	if err == ldberrors.ErrNotFound {
		return store.CertificatePositions{}, types.ErrUnknownCertificate
	}
	if err != nil {
		return store.CertificatePositions{}, err
	}
	proof, err := types.DecodeProofOfDelivery(v)
	if err != nil {
		return store.CertificatePositions{}, err
	}

	return s.commitSynchronized(cert, proof)
}

func (s *Store) commitSynchronized(cert *types.Certificate, proof *types.ProofOfDelivery) (store.CertificatePositions, error) {
	batch := new(leveldb.Batch)
	batch.Put(certificateKey(cert.ID), encodeCertAndProof(cert, proof))
	batch.Put(sourceStreamKey(cert.SourceSubnetID, proof.DeliveryPosition.Position), cert.ID[:])
	batch.Put(sourceHeadKey(cert.SourceSubnetID), encodeHead(proof.DeliveryPosition.Position, cert.ID))

	targets := make([]types.TargetPosition, 0, len(cert.TargetSubnets))
	for _, target := range cert.TargetSubnets {
		tpos, err := s.nextTargetPosition(target, cert.SourceSubnetID)
		if err != nil {
			return store.CertificatePositions{}, err
		}
		batch.Put(targetStreamKey(target, cert.SourceSubnetID, tpos), cert.ID[:])
		targets = append(targets, types.TargetPosition{Target: target, Source: cert.SourceSubnetID, Position: tpos})
	}
	batch.Delete(unverifiedKey(cert.ID))

	if err := s.db.Write(batch, nil); err != nil {
		return store.CertificatePositions{}, err
	}
	s.certCache.Add(cert.ID, cert)

	positions := store.CertificatePositions{
		Source:  proof.DeliveryPosition,
		Targets: targets,
	}
	s.feed.Send(store.DeliveryNotification{Certificate: cert, Positions: positions})
	return positions, nil
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(buffer int) (<-chan any, store.Unsubscriber) {
	ch, sub := s.feed.Subscribe(buffer)
	return ch, sub
}

// TruncatePending implements the "pending database may be truncated on
// restart" contract of §6: it deletes the pending_pool and
// pending_pool_index rows, relying on the precedence pool and the driver's
// re-scan to recover in-flight certificates.
func (s *Store) TruncatePending() error {
	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{prefixPendingPool, prefixPendingIndex} {
		it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
	}
	return s.db.Write(batch, nil)
}

// PrunePrecedenceOlderThan implements precedence.Pruner: it removes
// precedence_pool rows stamped more than ttl ago. A pruned certificate never
// becomes pending; its prev_id was unreachable for the full TTL, so the
// submitter must resubmit it.
func (s *Store) PrunePrecedenceOlderThan(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	it := s.db.NewIterator(util.BytesPrefix(prefixPrecedencePool), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	pruned := 0
	for it.Next() {
		_, ts, err := decodePrecedenceEntry(it.Value())
		if err != nil {
			return pruned, err
		}
		if ts.Before(cutoff) {
			batch.Delete(append([]byte(nil), it.Key()...))
			pruned++
		}
	}
	if err := it.Error(); err != nil {
		return pruned, err
	}
	if pruned > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
