// Package config loads the rmstm daemon's configuration file, following
// the same precedence the CLI's cluster-context config uses:
//
//  1. Environment variables (RMSTM_*)
//  2. Config file (./rmstm.yaml by default)
//  3. Built-in defaults
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"rmstm/internal/httpapi"
	"rmstm/internal/rmstm"
)

// Config is the daemon's top-level configuration file shape.
type Config struct {
	DataDir  string        `yaml:"data-dir"`
	HTTPAddr string        `yaml:"http-addr"`
	Machine  MachineConfig `yaml:"machine"`
}

// MachineConfig mirrors rmstm.Config's YAML-serializable fields.
type MachineConfig struct {
	SyncTimeout                          time.Duration `yaml:"sync-timeout"`
	TxTimeoutDelay                       time.Duration `yaml:"tx-timeout-delay"`
	AbortInterval                        time.Duration `yaml:"abort-interval"`
	AbortIndexSegmentSize                int           `yaml:"abort-index-segment-size"`
	LogStatsInterval                     time.Duration `yaml:"log-stats-interval"`
	IsAutoAbortEnabled                   bool          `yaml:"auto-abort-enabled"`
	TransactionPartitioningFeatureActive bool          `yaml:"transaction-partitioning-feature-active"`
}

// ToMachineConfig converts to the rmstm package's runtime Config.
func (c MachineConfig) ToMachineConfig() rmstm.Config {
	cfg := rmstm.DefaultConfig()
	if c.SyncTimeout > 0 {
		cfg.SyncTimeout = c.SyncTimeout
	}
	if c.TxTimeoutDelay > 0 {
		cfg.TxTimeoutDelay = c.TxTimeoutDelay
	}
	if c.AbortInterval > 0 {
		cfg.AbortInterval = c.AbortInterval
	}
	if c.AbortIndexSegmentSize > 0 {
		cfg.AbortIndexSegmentSize = c.AbortIndexSegmentSize
	}
	if c.LogStatsInterval > 0 {
		cfg.LogStatsInterval = c.LogStatsInterval
	}
	cfg.IsAutoAbortEnabled = c.IsAutoAbortEnabled
	cfg.TransactionPartitioningFeatureActive = c.TransactionPartitioningFeatureActive
	return cfg
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  "./data",
		HTTPAddr: httpapi.DefaultConfig().Addr,
		Machine: MachineConfig{
			SyncTimeout:                          5 * time.Second,
			TxTimeoutDelay:                       100 * time.Millisecond,
			AbortInterval:                        700 * time.Millisecond,
			AbortIndexSegmentSize:                8192,
			LogStatsInterval:                     10 * time.Minute,
			IsAutoAbortEnabled:                   true,
			TransactionPartitioningFeatureActive: true,
		},
	}
}

// Load reads path (if it exists), applies RMSTM_* environment
// overrides, and returns a fully-populated Config. A missing file is
// not an error: defaults apply and env vars still take effect.
func Load(path string) (Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RMSTM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RMSTM_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("RMSTM_AUTO_ABORT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Machine.IsAutoAbortEnabled = b
		}
	}
}
