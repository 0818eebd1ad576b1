package doubleecho

import (
	"context"
	"errors"

	"github.com/topos-protocol/topos-tce-broadcast/internal/tcrypto"
	"github.com/topos-protocol/topos-tce-broadcast/taskmanager"
	"github.com/topos-protocol/topos-tce-broadcast/transport"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// listen subscribes to one transport topic and applies every envelope
// until ctx is cancelled.
func (d *Driver) listen(ctx context.Context, topic transport.Topic) error {
	ch, unsubscribe := d.bus.Subscribe(topic, 256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			d.applyEnvelope(ctx, env)
		}
	}
}

func (d *Driver) applyEnvelope(ctx context.Context, env transport.Envelope) {
	switch {
	case env.Gossip != nil:
		d.applyGossip(env.Gossip)
	case env.Echo != nil:
		d.applyEcho(ctx, env.Echo)
	case env.Ready != nil:
		d.applyReady(ctx, env.Ready)
	case env.Batch != nil:
		d.applyBatch(ctx, env.Batch)
	}
}

// applyGossip admits a certificate received from a peer: verifies its
// self-consistency (I1), dedups against certificates already seen, and
// enters it into the pending pool without marking it for re-gossip (the
// node that first observed it is responsible for the initial fan-out; the
// simulated Bus already reaches every subscriber in one hop).
func (d *Driver) applyGossip(msg *transport.GossipMessage) {
	cert := msg.Certificate
	if cert == nil || !cert.VerifyID() {
		d.metrics.Counter("doubleecho/invalid_gossip").Inc(1)
		return
	}
	if _, seen := d.gossipSeen.Get(cert.ID); seen {
		return
	}
	d.gossipSeen.Add(cert.ID, struct{}{})
	d.pending.Add(cert.ID, cert)

	if _, err := d.store.InsertPendingCertificate(cert); err != nil {
		if !errors.Is(err, types.ErrCertificateAlreadyExists) {
			d.log.Warn("failed to admit gossiped certificate", "cert", cert.ID.String(), "err", err)
		}
		return
	}
	d.requestWake()
}

// echoDomain and readyDomain separate the digest an Echo signs from the
// digest a Ready signs, so a signature over one can never be replayed as
// the other.
const (
	echoDomain  = "echo"
	readyDomain = "ready"
)

// verifyVote checks msg's signature against validator's registered public
// key over the domain-separated digest publishEcho/publishReady produced
// it from. A validator absent from the Keyring (never part of any
// observed Sample View) can never verify, by construction.
func (d *Driver) verifyVote(certID types.CertificateID, validator types.ValidatorID, domain string, sig []byte) bool {
	if d.keyring == nil {
		return false
	}
	pub, ok := d.keyring.Lookup(validator)
	if !ok {
		return false
	}
	digest := tcrypto.Keccak256(certID[:], []byte(domain))
	return tcrypto.Verify(pub, digest[:], sig)
}

// applyEcho verifies the Echo's signature against the claimed validator and
// forwards it to the Task Manager, deduping repeats from the same
// validator for the same certificate (§4.E: dedup by (cert_id, validator,
// phase)). Unverifiable Echoes are counted and dropped (§4.E responsibility
// #1, §8 scenario 4), never reaching the Task Manager.
func (d *Driver) applyEcho(ctx context.Context, msg *transport.EchoMessage) {
	key := voteKey{cert: msg.CertificateID, validator: msg.Validator, ready: false}
	if _, seen := d.voteSeen.Get(key); seen {
		return
	}
	if !d.verifyVote(msg.CertificateID, msg.Validator, echoDomain, msg.Signature) {
		d.metrics.Counter("doubleecho/invalid_echo_signature").Inc(1)
		return
	}
	d.voteSeen.Add(key, struct{}{})

	cmd := taskmanager.Command{Kind: taskmanager.CmdEcho, CertID: msg.CertificateID, Validator: msg.Validator}
	_ = d.manager.Dispatch(ctx, cmd)
}

// applyReady verifies the Ready's signature and forwards it, the same
// dedup and drop-unverifiable contract as applyEcho.
func (d *Driver) applyReady(ctx context.Context, msg *transport.ReadyMessage) {
	key := voteKey{cert: msg.CertificateID, validator: msg.Validator, ready: true}
	if _, seen := d.voteSeen.Get(key); seen {
		return
	}
	if !d.verifyVote(msg.CertificateID, msg.Validator, readyDomain, msg.Signature) {
		d.metrics.Counter("doubleecho/invalid_ready_signature").Inc(1)
		return
	}
	d.voteSeen.Add(key, struct{}{})

	cmd := taskmanager.Command{Kind: taskmanager.CmdReady, CertID: msg.CertificateID, Validator: msg.Validator, Signature: msg.Signature}
	_ = d.manager.Dispatch(ctx, cmd)
}

func (d *Driver) applyBatch(ctx context.Context, batch *transport.BatchMessage) {
	for i := range batch.Gossip {
		d.applyGossip(&batch.Gossip[i])
	}
	for i := range batch.Echoes {
		d.applyEcho(ctx, &batch.Echoes[i])
	}
	for i := range batch.Readies {
		d.applyReady(ctx, &batch.Readies[i])
	}
}
