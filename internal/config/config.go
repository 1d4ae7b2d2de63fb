// Package config loads a replica's runtime configuration via viper, the
// way REChain's decube and decub-control-plane services do: typed
// defaults, an optional config file, and environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/sync"
	"github.com/Polqt/crdtsync/internal/variant"
)

// PeerConfig is one entry of the static peer list (spec.md §1 treats
// discovery as an external collaborator; this is the file-based stand-in).
type PeerConfig struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
}

// Config is a replica's full runtime configuration.
type Config struct {
	ListenAddress string       `mapstructure:"listen_address"`
	Variant       string       `mapstructure:"variant"`
	SyncType      string       `mapstructure:"sync_type"`
	SyncMode      string       `mapstructure:"sync_mode"`
	BatchCount    int          `mapstructure:"batch_count"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	TPThreshold   int          `mapstructure:"tp_threshold"`
	Peers         []PeerConfig `mapstructure:"peers"`
}

func defaults() *Config {
	return &Config{
		ListenAddress: "0.0.0.0:7070",
		Variant:       variant.NameGCounter,
		SyncType:      "state",
		SyncMode:      "immediate",
		BatchCount:    10,
		BatchInterval: time.Second,
		TPThreshold:   variant.DefaultTPThreshold,
	}
}

// Load reads configPath (if non-empty) plus CRDTSYNC_-prefixed
// environment overrides into a Config seeded with defaults.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetDefault("listen_address", cfg.ListenAddress)
	v.SetDefault("variant", cfg.Variant)
	v.SetDefault("sync_type", cfg.SyncType)
	v.SetDefault("sync_mode", cfg.SyncMode)
	v.SetDefault("batch_count", cfg.BatchCount)
	v.SetDefault("batch_interval", cfg.BatchInterval)
	v.SetDefault("tp_threshold", cfg.TPThreshold)

	v.SetEnvPrefix("CRDTSYNC")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on an unknown variant name, per spec.md §6.
func (c *Config) Validate() error {
	known := false
	for _, n := range variant.Names() {
		if n == c.Variant {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("config: unknown variant %q", c.Variant)
	}
	if _, err := c.parseSyncType(); err != nil {
		return err
	}
	if _, err := c.parseSyncMode(); err != nil {
		return err
	}
	return nil
}

func (c *Config) parseSyncType() (sync.SyncType, error) {
	switch c.SyncType {
	case "state":
		return sync.SyncState, nil
	case "operation":
		return sync.SyncOperation, nil
	case "delta":
		return sync.SyncDelta, nil
	default:
		return 0, fmt.Errorf("config: unknown sync_type %q", c.SyncType)
	}
}

func (c *Config) parseSyncMode() (sync.SyncMode, error) {
	switch c.SyncMode {
	case "immediate":
		return sync.ModeImmediate, nil
	case "batch_by_count":
		return sync.ModeBatchByCount, nil
	case "batch_by_time":
		return sync.ModeBatchByTime, nil
	default:
		return 0, fmt.Errorf("config: unknown sync_mode %q", c.SyncMode)
	}
}

// SyncConfig converts the loaded settings into a sync.Config. Validate
// must have already succeeded.
func (c *Config) SyncConfig() sync.Config {
	t, _ := c.parseSyncType()
	m, _ := c.parseSyncMode()
	return sync.Config{Type: t, Mode: m, BatchCount: c.BatchCount, BatchInterval: c.BatchInterval, TPThreshold: c.TPThreshold}
}

// PeerList resolves the configured peers into sync.Peer values.
func (c *Config) PeerList() ([]sync.Peer, error) {
	peers := make([]sync.Peer, 0, len(c.Peers))
	for _, p := range c.Peers {
		id, err := clock.ParseReplicaID(p.ID)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q: %w", p.Address, err)
		}
		peers = append(peers, sync.Peer{ID: id, Address: p.Address})
	}
	return peers, nil
}
