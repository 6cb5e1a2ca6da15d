// Package config loads config.toml, falling back to documented defaults
// when absent.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/juju/loggo"
)

var log = loggo.GetLogger("config")

// BTCConfig describes how to reach the upstream Bitcoin Core node.
type BTCConfig struct {
	RPCHost    string `toml:"rpc_host"`
	RPCUser    string `toml:"rpc_user"`
	RPCPass    string `toml:"rpc_pass"`
	CookiePath string `toml:"cookie_path"`
	Network    string `toml:"network"`
	BlocksDir  string `toml:"blocks_dir"`
}

// DefaultBTCConfig returns the default RPC config: a local mainnet node on
// port 8332, with no credentials and no cookie path set.
func DefaultBTCConfig() BTCConfig {
	return BTCConfig{
		RPCHost: "127.0.0.1:8332",
		Network: "mainnet",
	}
}

// SyncConfig controls batch sizing, cache budgets and memory policy.
// LocalFileLagThreshold is loaded but not read by the block-source factory,
// which always uses blocksource.LagThreshold.
type SyncConfig struct {
	BatchSize            int     `toml:"batch_size"`
	UtxoMaxCacheBytes    uint64  `toml:"utxo_max_cache_bytes"`
	BalanceMaxCacheBytes uint64  `toml:"balance_max_cache_bytes"`
	MaxMemoryPercent     float64 `toml:"max_memory_percent"`
	LocalFileLagThreshold uint32 `toml:"local_file_lag_threshold"`
}

// DefaultSyncConfig returns the default batch size, cache budgets, and
// memory policy.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:             32,
		UtxoMaxCacheBytes:      2 << 30, // 2 GiB
		BalanceMaxCacheBytes:   512 << 20,
		MaxMemoryPercent:       85.0,
		LocalFileLagThreshold:  500,
	}
}

// Config is the top-level configuration.
type Config struct {
	BTC  BTCConfig  `toml:"btc"`
	Sync SyncConfig `toml:"sync"`

	LogLevel string `toml:"log_level"`
	DataDir  string `toml:"data_dir"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		BTC:      DefaultBTCConfig(),
		Sync:     DefaultSyncConfig(),
		LogLevel: "INFO",
		DataDir:  "data",
	}
}

// Load reads rootDir/config.toml, falling back to Default() and logging it
// when the file does not exist. A present-but-unparseable file is a fatal
// configuration error.
func Load(rootDir string) (Config, error) {
	path := filepath.Join(rootDir, "config.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := Default()
		log.Infof("config: %s does not exist, using defaults", path)
		return def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	log.Infof("config: loading %s", path)

	cfg := Default()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
