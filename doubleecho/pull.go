package doubleecho

import (
	"context"
	"time"

	"github.com/topos-protocol/topos-tce-broadcast/taskmanager"
)

// pullIdleInterval bounds how long the pull loop waits between wake
// signals before re-checking the pending pool anyway, covering the case
// where a wake is coalesced away while work is still queued (requestWake
// only ever buffers one pending signal).
const pullIdleInterval = 200 * time.Millisecond

// pullLoop drains the Store's pending pool into the Task Manager as
// admission allows. It runs whenever woken (by SubmitCertificate, an
// inbound Gossip admission, or a precedence promotion) and also on a slow
// idle tick so a cert admitted between two wake signals is never stranded.
func (d *Driver) pullLoop(ctx context.Context) error {
	ticker := time.NewTicker(pullIdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
			d.drainPending(ctx)
		case <-ticker.C:
			d.drainPending(ctx)
		}
	}
}

func (d *Driver) drainPending(ctx context.Context) {
	for {
		cert, ok, err := d.store.PopPendingCertificate()
		if err != nil {
			d.log.Error("failed to pop pending certificate", "err", err)
			return
		}
		if !ok {
			return
		}

		d.pending.Add(cert.ID, cert)
		needGossip := false
		if _, local := d.localOrigin.Get(cert.ID); local {
			needGossip = true
			d.localOrigin.Remove(cert.ID)
		}

		cmd := taskmanager.Command{Kind: taskmanager.CmdBroadcast, Cert: cert, NeedGossip: needGossip}
		if err := d.manager.Dispatch(ctx, cmd); err != nil {
			d.log.Warn("failed to dispatch broadcast, re-admitting", "cert", cert.ID.String(), "err", err)
			if _, reErr := d.store.InsertPendingCertificate(cert); reErr != nil {
				d.log.Error("failed to re-admit certificate after dispatch failure", "cert", cert.ID.String(), "err", reErr)
			}
			return
		}
	}
}
