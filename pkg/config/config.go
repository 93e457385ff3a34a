// Package config loads shardlordd's runtime configuration from a YAML
// file merged over built-in defaults. Command-line flags are not merged
// into it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is shardlordd's full runtime configuration.
type Config struct {
	NodeID   string `yaml:"nodeId"`
	BindAddr string `yaml:"bindAddr"`
	DataDir  string `yaml:"dataDir"`

	CatalogDSN string `yaml:"catalogDsn"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`

	MetricsAddr string `yaml:"metricsAddr"`

	// Retry carries the GUC-equivalent tunables shardman.c exposed via
	// DefineCustomIntVariable/DefineCustomBoolVariable.
	Retry RetryConfig `yaml:"retry"`

	Rebalance RebalanceConfig `yaml:"rebalance"`
}

// RetryConfig mirrors task.RetryConfig's shape so it can be decoded
// straight from YAML before being handed to the scheduler.
type RetryConfig struct {
	CmdRetryNaptimeMS int  `yaml:"cmdRetryNaptimeMs"`
	PollIntervalMS    int  `yaml:"pollIntervalMs"`
	SyncReplicas      bool `yaml:"syncReplicas"`
}

// RebalanceConfig tunes the rebalance heuristic's cadence.
type RebalanceConfig struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
}

// Default returns the configuration shardlordd runs with when no file
// is given, matching the C extension's documented GUC defaults
// (shardman.cmd_retry_naptime = 10000ms).
func Default() Config {
	return Config{
		BindAddr:    "127.0.0.1:7400",
		DataDir:     "./data",
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9090",
		Retry: RetryConfig{
			CmdRetryNaptimeMS: 10000,
			PollIntervalMS:    10000,
			SyncReplicas:      true,
		},
		Rebalance: RebalanceConfig{
			IntervalSeconds: 60,
		},
	}
}

// Load reads path, merging it over Default(). A zero path is not an
// error: it returns the defaults unmodified, for shardlordd's "just
// works" invocation.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
