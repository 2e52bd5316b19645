// Package config loads and validates a node's on-disk configuration
// (SPEC_FULL.md §3 "Node configuration"): listen addresses, the
// storage path, and the sync engine's paging and housekeeping
// parameters. It mirrors the teacher's Parameters/DefaultParams/Valid
// shape from config/config.go, adapted from consensus tuning knobs to
// node wiring knobs, with YAML as the on-disk format.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	syncengine "github.com/calimero-network/core/sync"
)

// Error variables for configuration validation, named the way the
// teacher names its Parameters validation errors.
var (
	ErrNoListenAddr          = errors.New("config: network.listen_addrs must list at least one address")
	ErrInvalidStoragePath    = errors.New("config: storage.path must not be empty")
	ErrSnapshotPageByteLimit = errors.New("config: sync.snapshot_page_byte_limit must be > 0")
	ErrSnapshotPageBurst     = errors.New("config: sync.snapshot_page_burst_limit must be > 0")
	ErrPendingTTL            = errors.New("config: sync.pending_ttl must be > 0")
	ErrAntiEntropyInterval   = errors.New("config: sync.anti_entropy_interval must be > 0")
)

// NetworkConfig holds the node's listen and bootstrap settings.
type NetworkConfig struct {
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// StorageConfig holds the node's embedded-store settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig mirrors sync.Config with YAML tags; ToEngineConfig
// converts it into the type the sync engine actually consumes, so
// that package stays free of a YAML dependency of its own.
type SyncConfig struct {
	SnapshotPageByteLimit  int           `yaml:"snapshot_page_byte_limit"`
	SnapshotPageBurstLimit int           `yaml:"snapshot_page_burst_limit"`
	PendingTTL             time.Duration `yaml:"pending_ttl"`
	AntiEntropyInterval    time.Duration `yaml:"anti_entropy_interval"`
}

// ToEngineConfig converts to sync.Config.
func (s SyncConfig) ToEngineConfig() syncengine.Config {
	return syncengine.Config{
		SnapshotPageByteLimit:  s.SnapshotPageByteLimit,
		SnapshotPageBurstLimit: s.SnapshotPageBurstLimit,
		PendingTTL:             s.PendingTTL,
		AntiEntropyInterval:    s.AntiEntropyInterval,
	}
}

func syncConfigFromEngine(c syncengine.Config) SyncConfig {
	return SyncConfig{
		SnapshotPageByteLimit:  c.SnapshotPageByteLimit,
		SnapshotPageBurstLimit: c.SnapshotPageBurstLimit,
		PendingTTL:             c.PendingTTL,
		AntiEntropyInterval:    c.AntiEntropyInterval,
	}
}

// LoggingConfig controls the node's structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the full node configuration, the shape of config.yaml.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the node's default configuration: a single listen
// address on all interfaces (TCP port 7420), a relative storage path, the sync engine's named
// defaults (spec §4.4), and info-level logging.
func Default() Config {
	return Config{
		Network: NetworkConfig{ListenAddrs: []string{"/ip4/0.0.0.0/tcp/7420"}},
		Storage: StorageConfig{Path: "./calimero-data"},
		Sync:    syncConfigFromEngine(syncengine.DefaultConfig()),
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and validates a YAML config file at path. Fields absent
// from the file keep Default's values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is complete enough to start a
// node, the way the teacher's Parameters.Valid checks consensus
// tuning is complete enough to start a round.
func (c Config) Validate() error {
	if len(c.Network.ListenAddrs) == 0 {
		return ErrNoListenAddr
	}
	if c.Storage.Path == "" {
		return ErrInvalidStoragePath
	}
	if c.Sync.SnapshotPageByteLimit <= 0 {
		return ErrSnapshotPageByteLimit
	}
	if c.Sync.SnapshotPageBurstLimit <= 0 {
		return ErrSnapshotPageBurst
	}
	if c.Sync.PendingTTL <= 0 {
		return ErrPendingTTL
	}
	if c.Sync.AntiEntropyInterval <= 0 {
		return ErrAntiEntropyInterval
	}
	return nil
}
