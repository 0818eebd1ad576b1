// Package precedence factors the precedence_pool promotion and aging
// helpers out of store so the doubleecho driver and cmd/tce-node can use
// them independently of a concrete Store backend (§4.F).
package precedence

import (
	"context"
	"time"

	"github.com/topos-protocol/topos-tce-broadcast/internal/tlog"
	"github.com/topos-protocol/topos-tce-broadcast/internal/xmetrics"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Pruner is implemented by store backends that track precedence_pool
// admission times. Both store/memstore and store/leveldb satisfy it.
type Pruner interface {
	PrunePrecedenceOlderThan(ttl time.Duration) (pruned int, err error)
}

// Promoter is the subset of store.Store the doubleecho driver needs to move a delivered certificate's dependents into the
// pending pool.
type Promoter interface {
	PromotePrecedenceDependents(deliveredID types.CertificateID) ([]*types.Certificate, error)
}

// Promote walks the precedence pool for a single delivered certificate and
// returns its newly pending dependents. It exists as a named entry point
// (rather than callers reaching into store directly) so the driver's
// delivery handler has one code path for "a certificate became
// deliverable, what can it unblock".
func Promote(p Promoter, deliveredID types.CertificateID) ([]*types.Certificate, error) {
	return p.PromotePrecedenceDependents(deliveredID)
}

// Sweeper periodically ages unreachable precedence_pool entries out of the
// store. It is the implementation of the "unreachable prev_id expiration"
// open question: off by default, since spec.md leaves the eviction policy
// unspecified, and opt-in via Config.TTL > 0.
type Sweeper struct {
	log      tlog.Logger
	metrics  xmetrics.Registry
	pruner   Pruner
	ttl      time.Duration
	interval time.Duration
}

// Config configures a Sweeper. TTL is the minimum age of a precedence_pool
// entry before it is evicted; Interval is how often the sweep runs. Zero
// TTL disables the sweep (New returns nil).
type Config struct {
	Log      tlog.Logger
	Metrics  xmetrics.Registry
	Pruner   Pruner
	TTL      time.Duration
	Interval time.Duration
}

// New constructs a Sweeper, or returns nil if cfg.TTL is zero (sweeping
// disabled). A nil *Sweeper's Run is a no-op, so callers can unconditionally
// defer-run it without a nil check.
func New(cfg Config) *Sweeper {
	if cfg.TTL <= 0 {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = cfg.TTL / 4
		if interval <= 0 {
			interval = time.Minute
		}
	}
	log := cfg.Log
	if log == nil {
		log = tlog.Discard()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = xmetrics.NewNull()
	}
	return &Sweeper{log: log, metrics: metrics, pruner: cfg.Pruner, ttl: cfg.TTL, interval: interval}
}

// Run sweeps on cfg.Interval until ctx is cancelled. It is meant to be
// launched as its own goroutine (or folded into an errgroup alongside the
// doubleecho Driver) by cmd/tce-node.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	pruned, err := s.pruner.PrunePrecedenceOlderThan(s.ttl)
	if err != nil {
		s.log.Warn("precedence sweep failed", "err", err)
		return
	}
	if pruned > 0 {
		s.log.Warn("pruned unreachable precedence_pool entries", "count", pruned, "ttl", s.ttl)
		s.metrics.Counter("precedence/swept_total").Inc(int64(pruned))
	}
}
