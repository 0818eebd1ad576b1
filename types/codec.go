package types

import (
	"encoding/binary"
	"fmt"
)

// Fixed big-endian length-prefixed encodings for the logical tuples defined
// in the data model (§6 persistent layout). These are used both for the
// on-disk column-family values and for the wire envelope payloads.

// PositionBytes returns the fixed 8-byte big-endian encoding of a position,
// used as a key suffix so lexicographic byte order matches numeric order.
func PositionBytes(p Position) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(p))
	return b[:]
}

func BytesToPosition(b []byte) Position {
	return Position(binary.BigEndian.Uint64(b))
}

// EncodeCertificate serializes a certificate to its fixed-prefix wire/disk
// form.
func EncodeCertificate(c *Certificate) []byte {
	buf := make([]byte, 0, 6*32+2+len(c.TargetSubnets)*32+4+4+len(c.Proof)+4+len(c.Signature))
	buf = append(buf, c.ID[:]...)
	buf = append(buf, c.PrevID[:]...)
	buf = append(buf, c.SourceSubnetID[:]...)
	buf = append(buf, c.StateRoot[:]...)
	buf = append(buf, c.TxRootHash[:]...)
	buf = append(buf, c.ReceiptsRootHash[:]...)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(c.TargetSubnets)))
	buf = append(buf, u16[:]...)
	for _, t := range c.TargetSubnets {
		buf = append(buf, t[:]...)
	}

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], c.Verifier)
	buf = append(buf, u32[:]...)

	binary.BigEndian.PutUint32(u32[:], uint32(len(c.Proof)))
	buf = append(buf, u32[:]...)
	buf = append(buf, c.Proof...)

	binary.BigEndian.PutUint32(u32[:], uint32(len(c.Signature)))
	buf = append(buf, u32[:]...)
	buf = append(buf, c.Signature...)

	return buf
}

// DecodeCertificate parses the form produced by EncodeCertificate.
func DecodeCertificate(b []byte) (*Certificate, error) {
	const fixedHashes = 6 * 32
	if len(b) < fixedHashes+2 {
		return nil, fmt.Errorf("%w: certificate truncated", ErrMalformed)
	}
	c := &Certificate{}
	off := 0
	readHash := func(dst *[32]byte) {
		copy(dst[:], b[off:off+32])
		off += 32
	}
	readHash((*[32]byte)(&c.ID))
	readHash((*[32]byte)(&c.PrevID))
	readHash((*[32]byte)(&c.SourceSubnetID))
	readHash(&c.StateRoot)
	readHash(&c.TxRootHash)
	readHash(&c.ReceiptsRootHash)

	if off+2 > len(b) {
		return nil, fmt.Errorf("%w: missing target count", ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if off+n*32 > len(b) {
		return nil, fmt.Errorf("%w: truncated target subnets", ErrMalformed)
	}
	c.TargetSubnets = make([]SubnetID, n)
	for i := 0; i < n; i++ {
		copy(c.TargetSubnets[i][:], b[off:off+32])
		off += 32
	}

	if off+4 > len(b) {
		return nil, fmt.Errorf("%w: missing verifier", ErrMalformed)
	}
	c.Verifier = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	if off+4 > len(b) {
		return nil, fmt.Errorf("%w: missing proof length", ErrMalformed)
	}
	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if off+plen > len(b) {
		return nil, fmt.Errorf("%w: truncated proof", ErrMalformed)
	}
	c.Proof = append([]byte(nil), b[off:off+plen]...)
	off += plen

	if off+4 > len(b) {
		return nil, fmt.Errorf("%w: missing signature length", ErrMalformed)
	}
	slen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if off+slen > len(b) {
		return nil, fmt.Errorf("%w: truncated signature", ErrMalformed)
	}
	c.Signature = append([]byte(nil), b[off:off+slen]...)
	off += slen

	return c, nil
}

// EncodeProofOfDelivery serializes a ProofOfDelivery to its fixed-prefix
// form.
func EncodeProofOfDelivery(p *ProofOfDelivery) []byte {
	buf := make([]byte, 0, 32+32+8+2+8)
	buf = append(buf, p.CertificateID[:]...)
	buf = append(buf, p.DeliveryPosition.Subnet[:]...)
	buf = append(buf, PositionBytes(p.DeliveryPosition.Position)...)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(p.Readies)))
	buf = append(buf, u16[:]...)
	for _, r := range p.Readies {
		buf = append(buf, r.ValidatorID[:]...)
		var u32 [4]byte
		binary.BigEndian.PutUint32(u32[:], uint32(len(r.Signature)))
		buf = append(buf, u32[:]...)
		buf = append(buf, r.Signature...)
	}

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], p.Threshold)
	buf = append(buf, u64[:]...)
	return buf
}

// DecodeProofOfDelivery parses the form produced by EncodeProofOfDelivery.
func DecodeProofOfDelivery(b []byte) (*ProofOfDelivery, error) {
	if len(b) < 32+32+8+2 {
		return nil, fmt.Errorf("%w: proof truncated", ErrMalformed)
	}
	p := &ProofOfDelivery{}
	off := 0
	copy(p.CertificateID[:], b[off:off+32])
	off += 32
	copy(p.DeliveryPosition.Subnet[:], b[off:off+32])
	off += 32
	p.DeliveryPosition.Position = BytesToPosition(b[off : off+8])
	off += 8

	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	p.Readies = make([]ReadySignature, 0, n)
	for i := 0; i < n; i++ {
		if off+32+4 > len(b) {
			return nil, fmt.Errorf("%w: truncated ready entry", ErrMalformed)
		}
		var r ReadySignature
		copy(r.ValidatorID[:], b[off:off+32])
		off += 32
		slen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if off+slen > len(b) {
			return nil, fmt.Errorf("%w: truncated ready signature", ErrMalformed)
		}
		r.Signature = append([]byte(nil), b[off:off+slen]...)
		off += slen
		p.Readies = append(p.Readies, r)
	}

	if off+8 > len(b) {
		return nil, fmt.Errorf("%w: missing threshold", ErrMalformed)
	}
	p.Threshold = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	return p, nil
}
