package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/topos-protocol/topos-tce-broadcast/broadcast"
	"github.com/topos-protocol/topos-tce-broadcast/config"
	"github.com/topos-protocol/topos-tce-broadcast/doubleecho"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tcrypto"
	"github.com/topos-protocol/topos-tce-broadcast/internal/tlog"
	"github.com/topos-protocol/topos-tce-broadcast/internal/xmetrics"
	"github.com/topos-protocol/topos-tce-broadcast/precedence"
	"github.com/topos-protocol/topos-tce-broadcast/sampleview"
	"github.com/topos-protocol/topos-tce-broadcast/store"
	"github.com/topos-protocol/topos-tce-broadcast/store/leveldb"
	"github.com/topos-protocol/topos-tce-broadcast/store/memstore"
	"github.com/topos-protocol/topos-tce-broadcast/synchronizer"
	"github.com/topos-protocol/topos-tce-broadcast/taskmanager"
	"github.com/topos-protocol/topos-tce-broadcast/transport"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

var upCommand = &cli.Command{
	Name:  "up",
	Usage: "run a previously initialized node",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Required: true, Usage: "node identifier, matching a prior `node init`"},
	},
	Action: runUp,
}

func runUp(c *cli.Context) error {
	root := c.String("datadir")
	name := c.String("name")

	cfg, err := config.Load(root, name)
	if err != nil {
		return fmt.Errorf("up: %w", err)
	}

	dataDir := config.DataDir(root, name)
	lock, err := config.Lock(dataDir)
	if err != nil {
		return fmt.Errorf("up: %w", err)
	}
	defer lock.Unlock()

	keys, err := config.LoadNodeKey(root, name)
	if err != nil {
		return fmt.Errorf("up: %w", err)
	}

	log := tlog.New(tlog.LevelInfo).With("node", name)
	metrics := xmetrics.New()

	s, err := openStore(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("up: %w", err)
	}
	defer s.Close()

	// No peer-discovery or genesis-file mechanism exists yet (§9 open
	// question on validator-set distribution is out of scope here), so a
	// standalone node samples only itself; it still interoperates with
	// other nodes sharing the same transport.Bus in multi-node tests.
	keyring := tcrypto.NewKeyRegistry()
	self := keyring.Register(keys.Pub)
	validators := []types.ValidatorID{self}
	views := sampleview.NewPublisher(sampleview.New(validators, validators, len(validators)))

	bus := transport.NewBus()

	role := doubleecho.RoleFull
	if cfg.Role == config.RoleValidator {
		role = doubleecho.RoleValidator
	}

	driver := doubleecho.New(doubleecho.Config{
		Log:     log.With("component", "driver"),
		Metrics: metrics,
		Store:   s,
		Views:   views,
		Bus:     bus,
		Self:    self,
		Keys:    keys,
		Role:    role,
		Keyring: keyring,
	})

	manager := taskmanager.New(taskmanager.Config{
		Log:         log.With("component", "taskmanager"),
		Metrics:     metrics,
		Views:       views,
		Sink:        driver.Sink(),
		MaxInFlight: cfg.TaskManager.MaxInFlight,
		Thresholds: broadcast.Thresholds{
			Echo: cfg.Broadcast.Echo, Ready: cfg.Broadcast.Ready, Deliver: cfg.Broadcast.Deliver,
		},
		NextPosition: func(subnet types.SubnetID) types.Position {
			head, _, err := s.GetSourceHead(subnet)
			if err != nil {
				return 0
			}
			return head + 1
		},
		Watchdog: cfg.TaskManager.WatchdogPeriod,
	})
	defer manager.Shutdown()
	driver.AttachManager(manager)

	var sweeper *precedence.Sweeper
	if pruner, ok := s.(precedence.Pruner); ok {
		sweeper = precedence.New(precedence.Config{
			Log:      log.With("component", "precedence"),
			Metrics:  metrics,
			Pruner:   pruner,
			TTL:      cfg.Precedence.SweepTTL,
			Interval: cfg.Precedence.SweepInterval,
		})
	} else if cfg.Precedence.SweepTTL > 0 {
		log.Warn("precedence sweep configured but store backend does not support pruning")
	}

	sync := synchronizer.New(synchronizer.Config{
		Log:         log.With("component", "synchronizer"),
		Metrics:     metrics,
		Store:       s,
		Peers:       synchronizer.NewRandomPeerList(),
		Interval:    cfg.Synchronizer.Interval,
		MaxAttempts: cfg.Synchronizer.MaxAttempts,
	})

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error { return sync.Run(gctx) })
	if sweeper != nil {
		g.Go(func() error { sweeper.Run(gctx); return nil })
	}

	log.Info("node up", "role", cfg.Role, "validator_id", self)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return fmt.Errorf("up: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

func openStore(cfg config.Config, dataDir string) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memstore.New(), nil
	case "leveldb", "":
		return leveldb.Open(filepath.Join(dataDir, cfg.Store.Path))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
