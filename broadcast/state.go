// Package broadcast implements the double-echo reliable-broadcast state
// machine, one instance per in-flight certificate (§4.C).
package broadcast

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/topos-protocol/topos-tce-broadcast/internal/invariant"
	"github.com/topos-protocol/topos-tce-broadcast/sampleview"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Phase names the FSM's states. Ready and Delivered are independent after
// EchoSent, so PhaseReadySent and the "delivered without ready" path are
// both reachable from PhaseEchoSent.
type Phase int

const (
	PhasePending Phase = iota
	PhaseEchoSent
	PhaseReadySent
	PhaseDeliveredWithoutReady
	PhaseDeliveredWithReady
)

func (p Phase) Delivered() bool {
	return p == PhaseDeliveredWithoutReady || p == PhaseDeliveredWithReady
}

// EventKind tags the outbound protocol events a State emits.
type EventKind int

const (
	EventBroadcast EventKind = iota
	EventGossip
	EventEcho
	EventReady
	EventDelivered
)

// Event is sent on the State's outbound sink as transitions occur. Only one
// of Certificate / Proof is populated, depending on Kind.
type Event struct {
	Kind        EventKind
	CertificateID types.CertificateID
	Certificate *types.Certificate
	Proof       *types.ProofOfDelivery
}

// Thresholds are the sample-based E/R/D parameters in force for a
// certificate's whole lifetime; they are frozen at construction (§9: open
// question on threshold recalculation, resolved as "never recalculates").
type Thresholds struct {
	Echo  uint64
	Ready uint64
	Deliver uint64
}

// State is the double-echo state machine for a single certificate. It is
// exclusively owned by the Task Manager; all cross-task communication goes
// through the outbound event sink, never shared mutation.
type State struct {
	mu sync.Mutex

	cert       *types.Certificate
	thresholds Thresholds
	view       sampleview.View
	position   types.Position // local head + 1, assigned at construction

	echoRemaining  mapset.Set[types.ValidatorID]
	readyRemaining mapset.Set[types.ValidatorID]
	readies        []types.ReadySignature
	lastEchoCount  uint64
	lastReadyCount uint64

	phase Phase
	sink  chan<- Event
}

// New constructs a State, freezes the thresholds and view, and emits the
// construction-time events: Broadcast, optionally Gossip, then Echo,
// entering PhaseEchoSent. expectedPosition is the source-stream position
// this certificate will occupy if and when it's delivered (local head + 1).
func New(cert *types.Certificate, thresholds Thresholds, view sampleview.View, expectedPosition types.Position, needGossip bool, sink chan<- Event) *State {
	s := &State{
		cert:           cert,
		thresholds:     thresholds,
		view:           view,
		position:       expectedPosition,
		echoRemaining:  view.Echo.Clone(),
		readyRemaining: view.Ready.Clone(),
		phase:          PhasePending,
		sink:           sink,
	}

	s.emit(Event{Kind: EventBroadcast, CertificateID: cert.ID})
	if needGossip {
		s.emit(Event{Kind: EventGossip, CertificateID: cert.ID, Certificate: cert})
	}
	s.emit(Event{Kind: EventEcho, CertificateID: cert.ID})
	s.phase = PhaseEchoSent

	// Thresholds may already be satisfied at construction (an empty
	// Echo/Ready set, or a zero threshold) without a single ApplyEcho/
	// ApplyReady call ever arriving, so status must be evaluated once
	// here rather than only on the next vote.
	s.mu.Lock()
	s.updateStatus()
	s.mu.Unlock()
	return s
}

func (s *State) emit(ev Event) {
	if s.sink != nil {
		s.sink <- ev
	}
}

// Phase returns the current FSM state. Safe for concurrent use.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ApplyEcho removes validator from the outstanding echo set and
// re-evaluates delivery status, as long as an Echo from it was still
// expected (duplicates and unknown validators are no-ops).
func (s *State) ApplyEcho(validator types.ValidatorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.echoRemaining.Contains(validator) {
		return
	}
	s.echoRemaining.Remove(validator)
	s.updateStatus()
}

// ApplyReady removes validator from the outstanding ready set, records its
// signature, and re-evaluates delivery status.
func (s *State) ApplyReady(validator types.ValidatorID, signature []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readyRemaining.Contains(validator) {
		return
	}
	s.readyRemaining.Remove(validator)
	s.readies = append(s.readies, types.ReadySignature{ValidatorID: validator, Signature: signature})
	s.updateStatus()
}

// updateStatus implements the threshold policy from §4.C. Caller must hold
// s.mu.
func (s *State) updateStatus() {
	if s.phase.Delivered() {
		return
	}

	n := uint64(s.view.NetworkSize)
	echoCount := n - uint64(s.echoRemaining.Cardinality())
	readyCount := n - uint64(s.readyRemaining.Cardinality())

	if echoCount < s.lastEchoCount || readyCount < s.lastReadyCount {
		invariant.Raise("broadcast: vote count went backwards", "certificate", s.cert.ID,
			"echo", echoCount, "lastEcho", s.lastEchoCount, "ready", readyCount, "lastReady", s.lastReadyCount)
	}
	s.lastEchoCount, s.lastReadyCount = echoCount, readyCount

	if s.phase == PhaseEchoSent && (echoCount >= s.thresholds.Echo || readyCount >= s.thresholds.Ready) {
		s.emit(Event{Kind: EventReady, CertificateID: s.cert.ID})
		s.phase = PhaseReadySent
	}

	if readyCount >= s.thresholds.Deliver {
		proof := &types.ProofOfDelivery{
			CertificateID: s.cert.ID,
			DeliveryPosition: types.SourcePosition{
				Subnet:   s.cert.SourceSubnetID,
				Position: s.position,
			},
			Readies:   append([]types.ReadySignature(nil), s.readies...),
			Threshold: s.thresholds.Deliver,
		}
		if s.phase == PhaseReadySent {
			s.phase = PhaseDeliveredWithReady
		} else {
			s.phase = PhaseDeliveredWithoutReady
		}
		s.emit(Event{Kind: EventDelivered, CertificateID: s.cert.ID, Proof: proof})
	}
}

// CertificateID returns the certificate this state tracks.
func (s *State) CertificateID() types.CertificateID { return s.cert.ID }
