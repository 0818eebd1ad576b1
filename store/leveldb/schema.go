// Package leveldb is the disk-backed Store implementation (§6 persistent
// layout). It lays out the logical column families of §3 as key-prefixed
// rows inside a single LevelDB database (pending and perpetual data share
// it under disjoint prefixes), the same way
// core/rawdb lays out Ethereum's header/body/receipt tables as prefixed
// keys over a single physical key space.
package leveldb

import (
	"encoding/binary"

	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Column-family prefixes, one byte each so prefix scans stay cheap. These
// mirror §6's named column families: pending_pool, pending_pool_index,
// precedence_pool, certificates, streams, unverified.
var (
	prefixCertificate    = []byte{0x01} // certificateKey(id) -> encoded (Certificate, ProofOfDelivery)
	prefixSourceStream   = []byte{0x02} // sourceStreamKey(subnet, pos) -> CertificateID
	prefixSourceHead     = []byte{0x03} // sourceHeadKey(subnet) -> (pos, CertificateID)
	prefixTargetStream   = []byte{0x04} // targetStreamKey(target, source, pos) -> CertificateID
	prefixPendingPool    = []byte{0x05} // pendingPoolKey(pendingID) -> Certificate
	prefixPendingIndex   = []byte{0x06} // pendingIndexKey(certID) -> pendingID
	prefixPrecedencePool = []byte{0x07} // precedenceKey(prevID, certID) -> (admission time, Certificate)
	prefixUnverified     = []byte{0x08} // unverifiedKey(certID) -> ProofOfDelivery
	prefixMeta           = []byte{0x09} // metaKey(name) -> counter
)

func certificateKey(id types.CertificateID) []byte {
	return append(append([]byte{}, prefixCertificate...), id[:]...)
}

// sourceStreamPrefix lets callers range-scan every position for subnet
// using LevelDB's util.BytesPrefix, the fixed-prefix-extractor idiom §6
// calls for on the stream column family.
func sourceStreamPrefix(subnet types.SubnetID) []byte {
	return append(append([]byte{}, prefixSourceStream...), subnet[:]...)
}

func sourceStreamKey(subnet types.SubnetID, pos types.Position) []byte {
	return append(sourceStreamPrefix(subnet), types.PositionBytes(pos)...)
}

func sourceHeadKey(subnet types.SubnetID) []byte {
	return append(append([]byte{}, prefixSourceHead...), subnet[:]...)
}

func targetStreamPrefix(target, source types.SubnetID) []byte {
	k := append(append([]byte{}, prefixTargetStream...), target[:]...)
	return append(k, source[:]...)
}

func targetStreamSourcesPrefix(target types.SubnetID) []byte {
	return append(append([]byte{}, prefixTargetStream...), target[:]...)
}

func targetStreamKey(target, source types.SubnetID, pos types.Position) []byte {
	return append(targetStreamPrefix(target, source), types.PositionBytes(pos)...)
}

func pendingPoolKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return append(append([]byte{}, prefixPendingPool...), b[:]...)
}

func pendingIndexKey(certID types.CertificateID) []byte {
	return append(append([]byte{}, prefixPendingIndex...), certID[:]...)
}

func precedencePrefix(prevID types.CertificateID) []byte {
	return append(append([]byte{}, prefixPrecedencePool...), prevID[:]...)
}

func precedenceKey(prevID, certID types.CertificateID) []byte {
	return append(precedencePrefix(prevID), certID[:]...)
}

func unverifiedKey(certID types.CertificateID) []byte {
	return append(append([]byte{}, prefixUnverified...), certID[:]...)
}

var metaKeyNextPendingID = append(append([]byte{}, prefixMeta...), []byte("next_pending_id")...)
