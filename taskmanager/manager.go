// Package taskmanager owns the map of in-flight per-certificate Broadcast
// States, buffers out-of-order protocol messages, and enforces global
// admission under a bounded concurrency token (§4.D).
package taskmanager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/topos-protocol/topos-tce-broadcast/broadcast"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tlog"
	"github.com/topos-protocol/topos-tce-broadcast/internal/xmetrics"
	"github.com/topos-protocol/topos-tce-broadcast/sampleview"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// CommandKind tags the inbound commands the manager accepts.
type CommandKind int

const (
	CmdBroadcast CommandKind = iota
	CmdEcho
	CmdReady
)

// Command is an inbound instruction to the Task Manager.
type Command struct {
	Kind      CommandKind
	Cert      *types.Certificate   // CmdBroadcast
	NeedGossip bool                // CmdBroadcast
	CertID    types.CertificateID  // CmdEcho / CmdReady
	Validator types.ValidatorID    // CmdEcho / CmdReady
	Signature []byte               // CmdReady
}

// maxBufferedPerCert bounds the out-of-order Echo/Ready queue per
// certificate id; the oldest buffered command is dropped on overflow.
const maxBufferedPerCert = 64

type taskContext struct {
	state *broadcast.State
	inbox chan Command
	done  chan struct{}
}

// Manager holds in-flight Broadcast States and an admission semaphore.
type Manager struct {
	log     tlog.Logger
	metrics xmetrics.Registry
	views   *sampleview.Publisher
	sink    chan<- broadcast.Event

	admission *semaphore.Weighted

	mu       sync.Mutex
	tasks    map[types.CertificateID]*taskContext
	buffered map[types.CertificateID][]Command

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	thresholds broadcast.Thresholds
	position   func(types.SubnetID) types.Position
	watchdog   time.Duration
}

// Config bundles Manager construction parameters.
type Config struct {
	Log          tlog.Logger
	Metrics      xmetrics.Registry
	Views        *sampleview.Publisher
	Sink         chan<- broadcast.Event
	MaxInFlight  int64
	Thresholds   broadcast.Thresholds
	NextPosition func(types.SubnetID) types.Position // local head + 1 for subnet
	// Watchdog aborts a task's Broadcast State if it has not progressed
	// (received an Echo or Ready) within this window; zero disables it.
	// An aborted certificate is simply dropped from tasks/buffered, so it
	// remains in the Store's pending_pool for the driver to re-pick.
	Watchdog time.Duration
}

// New constructs a Manager. Call Run to start accepting commands and
// Shutdown to drain it.
func New(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 256
	}
	return &Manager{
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		views:      cfg.Views,
		sink:       cfg.Sink,
		admission:  semaphore.NewWeighted(cfg.MaxInFlight),
		tasks:      make(map[types.CertificateID]*taskContext),
		buffered:   make(map[types.CertificateID][]Command),
		ctx:        ctx,
		cancel:     cancel,
		thresholds: cfg.Thresholds,
		position:   cfg.NextPosition,
		watchdog:   cfg.Watchdog,
	}
}

// Dispatch delivers a single inbound command, blocking only when a
// CmdBroadcast must wait on the admission semaphore (§4.D: "new Broadcast
// commands beyond the cap wait on backpressure rather than being
// dropped").
func (m *Manager) Dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CmdBroadcast:
		return m.dispatchBroadcast(ctx, cmd)
	case CmdEcho, CmdReady:
		m.dispatchVote(cmd)
		return nil
	default:
		return nil
	}
}

func (m *Manager) dispatchBroadcast(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	if _, exists := m.tasks[cmd.Cert.ID]; exists {
		m.mu.Unlock()
		m.metrics.Counter("taskmanager/duplicate_broadcast").Inc(1)
		return nil // duplicate broadcast, ignored
	}
	m.mu.Unlock()

	if err := m.admission.Acquire(ctx, 1); err != nil {
		return err
	}

	view := m.views.Current()
	var pos types.Position
	if m.position != nil {
		pos = m.position(cmd.Cert.SourceSubnetID)
	}

	tc := &taskContext{
		inbox: make(chan Command, maxBufferedPerCert),
		done:  make(chan struct{}),
	}
	tc.state = broadcast.New(cmd.Cert, m.thresholds, view, pos, cmd.NeedGossip, m.sink)

	m.mu.Lock()
	m.tasks[cmd.Cert.ID] = tc
	buffered := m.buffered[cmd.Cert.ID]
	delete(m.buffered, cmd.Cert.ID)
	m.mu.Unlock()

	m.metrics.Gauge("taskmanager/active_tasks").Update(int64(len(m.tasks)))

	m.wg.Add(1)
	go m.runTask(cmd.Cert.ID, tc, buffered)
	return nil
}

func (m *Manager) dispatchVote(cmd Command) {
	m.mu.Lock()
	tc, exists := m.tasks[cmd.CertID]
	if !exists {
		buf := m.buffered[cmd.CertID]
		if len(buf) >= maxBufferedPerCert {
			buf = buf[1:] // drop-oldest on overflow
		}
		m.buffered[cmd.CertID] = append(buf, cmd)
		m.mu.Unlock()
		m.metrics.Counter("taskmanager/buffered_votes").Inc(1)
		return
	}
	m.mu.Unlock()

	select {
	case tc.inbox <- cmd:
	case <-tc.done:
	}
}

func (m *Manager) runTask(id types.CertificateID, tc *taskContext, buffered []Command) {
	defer m.wg.Done()
	defer m.admission.Release(1)
	defer close(tc.done)
	defer func() {
		m.mu.Lock()
		delete(m.tasks, id)
		m.mu.Unlock()
	}()

	for _, cmd := range buffered {
		m.applyVote(tc, cmd)
	}
	if tc.state.Phase().Delivered() {
		return
	}

	var watchdogC <-chan time.Time
	var timer *time.Timer
	if m.watchdog > 0 {
		timer = time.NewTimer(m.watchdog)
		defer timer.Stop()
		watchdogC = timer.C
	}

	for {
		select {
		case cmd := <-tc.inbox:
			m.applyVote(tc, cmd)
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(m.watchdog)
			}
			if tc.state.Phase().Delivered() {
				return
			}
		case <-watchdogC:
			m.log.Warn("broadcast state watchdog expired, abandoning task", "cert", id.String())
			m.metrics.Counter("taskmanager/watchdog_aborts").Inc(1)
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) applyVote(tc *taskContext, cmd Command) {
	switch cmd.Kind {
	case CmdEcho:
		tc.state.ApplyEcho(cmd.Validator)
	case CmdReady:
		tc.state.ApplyReady(cmd.Validator, cmd.Signature)
	}
}

// Shutdown cancels every in-flight task and waits for them to drain, the
// FIFO-drain contract described in §4.D and §5.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// ActiveCount reports the number of in-flight tasks, for tests and
// diagnostics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
