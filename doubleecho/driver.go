// Package doubleecho wires together the Sample View, the Task Manager, the
// Store and the transport Bus into the node-level double-echo protocol
// (§4.E): a Driver that admits certificates, verifies and dedups inbound
// protocol messages, drives the pending-pool pull loop, and publishes
// outbound Gossip/Echo/Ready envelopes as Broadcast States progress.
package doubleecho

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/topos-protocol/topos-tce-broadcast/broadcast"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tcrypto"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tlog"
	"github.com/topos-protocol/topos-tce-broadcast/internal/xmetrics"
	"github.com/topos-protocol/topos-tce-broadcast/precedence"
	"github.com/topos-protocol/topos-tce-broadcast/sampleview"
	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/taskmanager"
	"github.com/topos-protocol/topos-tce-broadcast/transport"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Role governs whether a node signs and emits Echo/Ready votes (a
// validator in the current Sample View) or only relays Gossip and observes
// delivery (a full node).
type Role int

const (
	RoleFull Role = iota
	RoleValidator
)

// dedupCacheSize bounds the inbound-message dedup caches; an entry older
// than this many distinct certificates simply gets re-processed, which is
// harmless (ApplyEcho/ApplyReady are idempotent no-ops for seen votes).
const dedupCacheSize = 4096

// Config bundles Driver construction parameters.
type Config struct {
	Log     tlog.Logger
	Metrics xmetrics.Registry

	Store store.Store
	// Manager may be left nil here and supplied afterwards via
	// AttachManager: constructing a Manager needs the Driver's Sink()
	// channel, so callers typically build the Driver, build the Manager
	// with taskmanager.Config{Sink: driver.Sink(), ...}, then attach it.
	Manager *taskmanager.Manager
	Views   *sampleview.Publisher
	Bus     *transport.Bus

	Self types.ValidatorID
	Keys *tcrypto.KeyPair // nil for RoleFull
	Role Role

	// Keyring resolves an inbound Echo/Ready's claimed Validator back to
	// the public key needed to verify its signature (§4.E responsibility
	// #1). Every validator in the current Sample View must be registered
	// here, not just Self; an unregistered validator's votes are treated
	// as unverifiable and dropped.
	Keyring *tcrypto.KeyRegistry

	// EventBuffer sizes the channel the Task Manager's Broadcast States emit
	// on; a slow Driver pump backpressures every in-flight certificate.
	EventBuffer int
}

// Driver is the node-level orchestrator described in §4.E. Construct one
// per node and call Run to start its goroutines.
type Driver struct {
	log     tlog.Logger
	metrics xmetrics.Registry

	store   store.Store
	manager *taskmanager.Manager
	views   *sampleview.Publisher
	bus     *transport.Bus

	self    types.ValidatorID
	keys    *tcrypto.KeyPair
	role    Role
	keyring *tcrypto.KeyRegistry

	sink chan broadcast.Event
	wake chan struct{}

	gossipSeen *lru.Cache[types.CertificateID, struct{}]
	voteSeen   *lru.Cache[voteKey, struct{}]

	// pending caches certificates between admission (Submit or inbound
	// Gossip) and the Delivered event, which only carries a CertificateID.
	// It also records which ids were admitted locally, so the pull loop
	// knows which popped certificates still need an outbound Gossip.
	pending     *lru.Cache[types.CertificateID, *types.Certificate]
	localOrigin *lru.Cache[types.CertificateID, struct{}]
}

type voteKey struct {
	cert      types.CertificateID
	validator types.ValidatorID
	ready     bool
}

// New constructs a Driver. Call Run to start it.
func New(cfg Config) *Driver {
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 256
	}
	gossipSeen, _ := lru.New[types.CertificateID, struct{}](dedupCacheSize)
	voteSeen, _ := lru.New[voteKey, struct{}](dedupCacheSize)
	pending, _ := lru.New[types.CertificateID, *types.Certificate](dedupCacheSize)
	localOrigin, _ := lru.New[types.CertificateID, struct{}](dedupCacheSize)
	return &Driver{
		log:         cfg.Log,
		metrics:     cfg.Metrics,
		store:       cfg.Store,
		manager:     cfg.Manager,
		views:       cfg.Views,
		bus:         cfg.Bus,
		self:        cfg.Self,
		keys:        cfg.Keys,
		role:        cfg.Role,
		keyring:     cfg.Keyring,
		sink:        make(chan broadcast.Event, buf),
		wake:        make(chan struct{}, 1),
		gossipSeen:  gossipSeen,
		voteSeen:    voteSeen,
		pending:     pending,
		localOrigin: localOrigin,
	}
}

// Sink returns the channel the Driver's Task Manager should be constructed
// with as taskmanager.Config.Sink.
func (d *Driver) Sink() chan<- broadcast.Event { return d.sink }

// AttachManager sets the Task Manager the Driver dispatches pending
// certificates and inbound votes to. Must be called before Run if Config
// did not already supply one.
func (d *Driver) AttachManager(m *taskmanager.Manager) { d.manager = m }

// SubmitCertificate admits a locally originated certificate: it verifies
// the certificate's self-consistency (I1), then enters it into the pending
// pool so the pull loop picks it up and broadcasts it with Gossip.
func (d *Driver) SubmitCertificate(cert *types.Certificate) error {
	if !cert.VerifyID() {
		return types.ErrMalformed
	}
	d.pending.Add(cert.ID, cert)
	d.localOrigin.Add(cert.ID, struct{}{})
	if _, err := d.store.InsertPendingCertificate(cert); err != nil {
		return err
	}
	d.requestWake()
	return nil
}

func (d *Driver) requestWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run starts the Driver's goroutines (event pump, pull loop, inbound
// listeners) and blocks until ctx is cancelled or one of them fails.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.pumpEvents(ctx) })
	g.Go(func() error { return d.pullLoop(ctx) })
	g.Go(func() error { return d.listen(ctx, transport.TopicGossip) })
	g.Go(func() error { return d.listen(ctx, transport.TopicEcho) })
	g.Go(func() error { return d.listen(ctx, transport.TopicReady) })
	return g.Wait()
}

// pumpEvents drains the Task Manager's Broadcast State events and turns
// them into outbound wire traffic (Gossip, Echo, Ready) or Store writes
// (Delivered).
func (d *Driver) pumpEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.sink:
			d.handleEvent(ev)
		}
	}
}

func (d *Driver) handleEvent(ev broadcast.Event) {
	switch ev.Kind {
	case broadcast.EventGossip:
		d.publishGossip(ev)
	case broadcast.EventEcho:
		d.publishEcho(ev)
	case broadcast.EventReady:
		d.publishReady(ev)
	case broadcast.EventDelivered:
		d.handleDelivered(ev)
	}
}

func (d *Driver) publishGossip(ev broadcast.Event) {
	if ev.Certificate == nil {
		return
	}
	if err := d.bus.Publish(transport.Envelope{
		Topic:  transport.TopicGossip,
		Gossip: &transport.GossipMessage{Certificate: ev.Certificate},
	}); err != nil {
		d.log.Warn("failed to publish gossip", "cert", ev.CertificateID.String(), "err", err)
	}
}

func (d *Driver) publishEcho(ev broadcast.Event) {
	if d.role != RoleValidator {
		return
	}
	digest := tcrypto.Keccak256(ev.CertificateID[:], []byte(echoDomain))
	sig := d.keys.Sign(digest[:])
	if err := d.bus.Publish(transport.Envelope{
		Topic: transport.TopicEcho,
		Echo:  &transport.EchoMessage{CertificateID: ev.CertificateID, Validator: d.self, Signature: sig},
	}); err != nil {
		d.log.Warn("failed to publish echo", "cert", ev.CertificateID.String(), "err", err)
	}
}

func (d *Driver) publishReady(ev broadcast.Event) {
	if d.role != RoleValidator {
		return
	}
	digest := tcrypto.Keccak256(ev.CertificateID[:], []byte(readyDomain))
	sig := d.keys.Sign(digest[:])
	if err := d.bus.Publish(transport.Envelope{
		Topic: transport.TopicReady,
		Ready: &transport.ReadyMessage{CertificateID: ev.CertificateID, Validator: d.self, Signature: sig},
	}); err != nil {
		d.log.Warn("failed to publish ready", "cert", ev.CertificateID.String(), "err", err)
	}
}

func (d *Driver) handleDelivered(ev broadcast.Event) {
	cert, _, err := d.bestEffortCertificate(ev.CertificateID)
	if err != nil {
		d.log.Warn("delivered event for unknown certificate", "cert", ev.CertificateID.String())
		return
	}
	_, err = d.store.InsertCertificateDelivered(store.CertificateDelivered{Certificate: cert, Proof: ev.Proof})
	if err != nil && !errors.Is(err, types.ErrAlreadyDelivered) {
		var precErr *types.PrecedenceError
		if errors.As(err, &precErr) {
			d.log.Warn("certificate lost a precedence race", "cert", ev.CertificateID.String(), "winner", precErr.WinnerID.String())
		} else {
			d.log.Error("failed to commit delivered certificate", "cert", ev.CertificateID.String(), "err", err)
		}
		return
	}
	if err == nil {
		d.metrics.Counter("doubleecho/delivered_total").Inc(1)
		// Promote already admits each dependent into the pending pool
		// (assigns its PendingCertificateID and writes the pending
		// indexes); re-inserting here would admit it a second time under
		// a second id. The pull loop just needs a nudge to pick them up.
		promoted, promoteErr := precedence.Promote(d.store, ev.CertificateID)
		if promoteErr != nil {
			d.log.Error("failed to promote precedence dependents", "cert", ev.CertificateID.String(), "err", promoteErr)
			return
		}
		if len(promoted) > 0 {
			d.requestWake()
		}
	}
}

// bestEffortCertificate looks the certificate up via whatever task-local
// cache is cheapest; the common path is that the caller already holds it
// from the originating Gossip/Submit call, but the Delivered event itself
// only carries the id, so the Driver keeps a short-lived cache populated on
// Gossip/Submit.
func (d *Driver) bestEffortCertificate(id types.CertificateID) (*types.Certificate, bool, error) {
	if cert, ok := d.pending.Get(id); ok {
		return cert, true, nil
	}
	cert, _, err := d.store.GetCertificate(id)
	return cert, false, err
}
