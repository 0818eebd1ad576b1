// Package transport defines the wire envelopes exchanged between TCE nodes
// and a Bus abstraction standing in for the real peer-to-peer layer,
// modeled on go-ethereum's eth/protocols/eth packet types: one struct per
// message kind, a topic name instead of a protocol message code, and a
// fixed maximum message size enforced before a payload is ever decoded.
package transport

import (
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Topic names the logical channels messages travel on. The real p2p layer
// (libp2p gossipsub in the upstream system) maps each to its own topic;
// the in-memory Bus below keeps the same separation.
type Topic string

const (
	TopicGossip Topic = "topos_gossip"
	TopicEcho   Topic = "topos_echo"
	TopicReady  Topic = "topos_ready"
)

// MaxMessageSize bounds any single encoded envelope (§6). Messages larger
// than this are rejected before decoding, never buffered.
const MaxMessageSize = 16 * 1024 * 1024

// GossipMessage carries a full certificate to every validator in the
// sample, fanned out by whichever node first receives it.
type GossipMessage struct {
	Certificate *types.Certificate
}

// EchoMessage is a validator's acknowledgement that it has checked a
// certificate's ID against its fields and admitted it into its own
// Broadcast State.
type EchoMessage struct {
	CertificateID types.CertificateID
	Validator     types.ValidatorID
	Signature     []byte
}

// ReadyMessage is a validator's vote that a certificate has seen enough
// Echoes (or Readies) to be considered delivered.
type ReadyMessage struct {
	CertificateID types.CertificateID
	Validator     types.ValidatorID
	Signature     []byte
}

// BatchMessage wraps multiple envelopes of the same topic in a single wire
// send, to avoid one round trip per certificate; the doubleecho driver
// unpacks it on receipt.
type BatchMessage struct {
	Topic    Topic
	Gossip   []GossipMessage
	Echoes   []EchoMessage
	Readies  []ReadyMessage
}

// Envelope is the outer frame placed on the wire: a topic tag plus exactly
// one populated payload, mirroring the union-of-packets idiom in
// eth/protocols/eth (GetBlockHeadersPacket, BlockHeadersPacket, ...) where
// each wire message is its own named Go type rather than a generic blob.
type Envelope struct {
	Topic   Topic
	Gossip  *GossipMessage
	Echo    *EchoMessage
	Ready   *ReadyMessage
	Batch   *BatchMessage
}
