package api

import (
	"context"

	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// StreamEventKind tags a WatchCertificates event.
type StreamEventKind int

const (
	StreamOpened StreamEventKind = iota
	CertificatePushed
)

// StreamEvent is one message on a WatchCertificates stream. Subnets is only
// populated for StreamOpened; Certificate and Positions only for
// CertificatePushed.
type StreamEvent struct {
	Kind        StreamEventKind
	Subnets     []types.SubnetID
	Certificate *types.Certificate
	Positions   store.CertificatePositions
}

// streamBuffer sizes the channel returned by WatchCertificates and the
// store.Subscribe channel behind it. The subscription is taken before
// replay starts and is only read after replay ends, so once a slow
// consumer lets that channel fill, the Store's delivery notifications
// block until it drains.
const streamBuffer = 256

// WatchCertificates replays every delivered certificate for the given
// target subnets starting just after the position named in from (or at 0 if a target's
// source subnet is absent from the checkpoint), emits StreamOpened first,
// then switches to live delivery notifications — the same StreamOpened then
// replay-then-live contract as the upstream Stream actor (§6, SUPPLEMENTED
// FEATURES item 4). The returned cancel func must be called to release the
// underlying store subscription.
func (c *BroadcastClient) WatchCertificates(ctx context.Context, targets []types.SubnetID, from types.Checkpoint) (<-chan StreamEvent, func(), error) {
	out := make(chan StreamEvent, streamBuffer)
	targetSet := make(map[types.SubnetID]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}

	// last tracks, per (target, source), the highest position already
	// emitted, so a live notification racing with the tail of replay is
	// never delivered twice.
	type key struct{ target, source types.SubnetID }
	last := make(map[key]types.Position)

	liveCh, unsubscribe := c.store.Subscribe(streamBuffer)

	go func() {
		defer close(out)

		out <- StreamEvent{Kind: StreamOpened, Subnets: targets}

		for _, target := range targets {
			sources, err := c.store.GetTargetSourceSubnetList(target)
			if err != nil {
				continue
			}
			for _, source := range sources {
				start := types.Position(0)
				if p, ok := from.Position(source); ok {
					start = p + 1
				}
				for {
					certs, err := c.store.GetTargetStreamCertificatesFromPosition(
						types.TargetPosition{Target: target, Source: source, Position: start}, store.MaxCheckpointPage)
					if err != nil || len(certs) == 0 {
						break
					}
					for i, cert := range certs {
						pos := start + types.Position(i)
						last[key{target, source}] = pos
						select {
						case out <- StreamEvent{Kind: CertificatePushed, Certificate: cert,
							Positions: store.CertificatePositions{Targets: []types.TargetPosition{{Target: target, Source: source, Position: pos}}}}:
						case <-ctx.Done():
							return
						}
					}
					if len(certs) < store.MaxCheckpointPage {
						break
					}
					start += types.Position(len(certs))
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-liveCh:
				if !ok {
					return
				}
				notif, ok := v.(store.DeliveryNotification)
				if !ok {
					continue
				}
				for _, tp := range notif.Positions.Targets {
					if !targetSet[tp.Target] {
						continue
					}
					k := key{tp.Target, tp.Source}
					if pos, seen := last[k]; seen && tp.Position <= pos {
						continue
					}
					last[k] = tp.Position
					select {
					case out <- StreamEvent{Kind: CertificatePushed, Certificate: notif.Certificate,
						Positions: store.CertificatePositions{Targets: []types.TargetPosition{tp}}}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, unsubscribe.Unsubscribe, nil
}
