// Package config loads and persists a node's configuration directory: the
// TOML config file, the generated node key, and the identity file, in the
// same data-directory layout go-ethereum's node package uses for its
// keystore and nodekey files.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/topos-protocol/topos-tce-broadcast/internal/tcrypto"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// Role names the two node roles spec.md §6 exposes on the CLI.
type Role string

const (
	RoleValidator Role = "validator"
	RoleFull      Role = "full"
)

const (
	configFileName = "config.toml"
	nodeKeyName    = "nodekey"
	dirPerm        = 0o700
	filePerm       = 0o600
)

// StoreConfig selects and configures the Store backend (§4.A).
type StoreConfig struct {
	// Backend is "memory" or "leveldb". Defaults to "leveldb".
	Backend string `toml:"backend"`
	// Path names the LevelDB directory. §6 describes a pending and a
	// perpetual database; store/leveldb models both as one *leveldb.DB
	// with disjoint key prefixes (see its package doc), so one path
	// suffices. Relative paths are resolved against the node's data
	// directory.
	Path string `toml:"path"`
}

// BroadcastConfig names the frozen sample-based thresholds (§4.C, §9 —
// "thresholds never recalculate once a Broadcast State is constructed").
type BroadcastConfig struct {
	Echo    uint64 `toml:"echo_threshold"`
	Ready   uint64 `toml:"ready_threshold"`
	Deliver uint64 `toml:"deliver_threshold"`
}

// TaskManagerConfig configures the per-node admission and watchdog policy
// (§4.D).
type TaskManagerConfig struct {
	MaxInFlight    int64         `toml:"max_in_flight"`
	WatchdogPeriod time.Duration `toml:"watchdog_period"`
}

// PrecedenceConfig configures the opt-in precedence-pool sweep (§9 open
// question, resolved as "recommended, opt-in, off by default").
type PrecedenceConfig struct {
	SweepTTL      time.Duration `toml:"sweep_ttl"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// SynchronizerConfig configures the periodic checkpoint-diff backfill
// (§4.G).
type SynchronizerConfig struct {
	Interval    time.Duration `toml:"interval"`
	MaxAttempts uint64        `toml:"max_attempts"`
}

// Config is the full node configuration, loaded from a TOML file with
// built-in defaults for every field a user omits.
type Config struct {
	// Name identifies this node's config directory; not part of the TOML
	// file itself, set from the CLI --name flag.
	Name string `toml:"-"`
	// NodeID is a generated identity stamped into the config file the
	// first time `node init` runs; a second init of the same directory is
	// rejected, so the id never changes.
	NodeID string `toml:"node_id"`
	// Role is "validator" (participates in Echo/Ready) or "full" (relays
	// Gossip only), mirroring §4.E's Role.
	Role Role `toml:"role"`
	// Subnets lists the hex-encoded subnet ids this node serves as source.
	Subnets []string `toml:"subnets"`
	// ListenAddr is the transport bind address (advisory; the in-memory
	// Bus used by tests ignores it).
	ListenAddr string `toml:"listen_addr"`

	Store        StoreConfig        `toml:"store"`
	Broadcast    BroadcastConfig    `toml:"broadcast"`
	TaskManager  TaskManagerConfig  `toml:"task_manager"`
	Precedence   PrecedenceConfig   `toml:"precedence"`
	Synchronizer SynchronizerConfig `toml:"synchronizer"`
}

// Defaults returns a Config populated with the engine's built-in defaults,
// the way go-ethereum's node.DefaultConfig seeds every optional field.
func Defaults() Config {
	return Config{
		Role:       RoleFull,
		ListenAddr: "0.0.0.0:9090",
		Store: StoreConfig{
			Backend: "leveldb",
			Path:    "db",
		},
		Broadcast: BroadcastConfig{
			Echo: 1, Ready: 1, Deliver: 1,
		},
		TaskManager: TaskManagerConfig{
			MaxInFlight:    256,
			WatchdogPeriod: 30 * time.Second,
		},
		Precedence: PrecedenceConfig{
			SweepTTL:      0,
			SweepInterval: 0,
		},
		Synchronizer: SynchronizerConfig{
			Interval:    30 * time.Second,
			MaxAttempts: 5,
		},
	}
}

// DataDir returns the data directory for a node named name under root.
func DataDir(root, name string) string {
	return filepath.Join(root, name)
}

// Init creates a fresh config directory under DataDir(root, name): the
// config.toml file (seeded with defaults, role and subnets overridden by
// the caller), a freshly generated node key, and a generated node id.
// Returns ErrExist-wrapping error if the directory is already initialized.
func Init(root, name string, role Role, subnets []types.SubnetID) (Config, error) {
	dir := DataDir(root, name)
	if _, err := os.Stat(filepath.Join(dir, configFileName)); err == nil {
		return Config{}, fmt.Errorf("config: %s is already initialized: %w", dir, os.ErrExist)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return Config{}, fmt.Errorf("config: create data dir: %w", err)
	}

	keys, err := tcrypto.GenerateKeyPair()
	if err != nil {
		return Config{}, fmt.Errorf("config: generate node key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, nodeKeyName),
		[]byte(hex.EncodeToString(keys.PrivateKeyBytes())), filePerm); err != nil {
		return Config{}, fmt.Errorf("config: write node key: %w", err)
	}

	cfg := Defaults()
	cfg.Name = name
	cfg.NodeID = uuid.NewString()
	cfg.Role = role
	for _, s := range subnets {
		cfg.Subnets = append(cfg.Subnets, hex.EncodeToString(s.Bytes()))
	}

	if err := save(dir, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads a previously initialized node's config.toml, filling any field
// left zero in the file from Defaults().
func Load(root, name string) (Config, error) {
	dir := DataDir(root, name)
	cfg := Defaults()
	if _, err := toml.DecodeFile(filepath.Join(dir, configFileName), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", dir, err)
	}
	cfg.Name = name
	return cfg, nil
}

func save(dir string, cfg Config) error {
	f, err := os.OpenFile(filepath.Join(dir, configFileName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("config: open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode config file: %w", err)
	}
	return nil
}

// LoadNodeKey reads the node key generated by Init from the data directory.
func LoadNodeKey(root, name string) (*tcrypto.KeyPair, error) {
	dir := DataDir(root, name)
	raw, err := os.ReadFile(filepath.Join(dir, nodeKeyName))
	if err != nil {
		return nil, fmt.Errorf("config: read node key: %w", err)
	}
	b, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("config: decode node key: %w", err)
	}
	return tcrypto.KeyPairFromPrivateKeyBytes(b)
}

// SubnetIDs parses the hex-encoded Subnets field into types.SubnetID.
func (c Config) SubnetIDs() ([]types.SubnetID, error) {
	out := make([]types.SubnetID, 0, len(c.Subnets))
	for _, s := range c.Subnets {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid subnet id %q: %w", s, err)
		}
		out = append(out, types.BytesToSubnetID(b))
	}
	return out, nil
}
