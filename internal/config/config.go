// Package config provides configuration loading for the zyphyr command line tool.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/engine"
	"github.com/sanonone/zyphyr/pkg/persistence"
)

// EnvDataDir overrides data_dir when set.
const EnvDataDir = "ZYPHYR_DATA_DIR"

// Config holds all configuration for the CLI.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Log         LogConfig         `yaml:"log"`
	Index       IndexConfig       `yaml:"index"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// LogConfig selects the zap preset and level.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// IndexConfig holds the construction parameters used when a dataset is created.
type IndexConfig struct {
	Metric         distance.Metric `yaml:"metric"`
	Dim            int             `yaml:"dim"`
	M              int             `yaml:"m"`
	EfConstruction int             `yaml:"ef_construction"`
	EfSearch       int             `yaml:"ef_search"`
	Seed           uint64          `yaml:"seed"`
	Workers        int             `yaml:"workers"`
}

// PersistenceConfig holds segment and write-ahead log settings.
type PersistenceConfig struct {
	AutoFlushInterval hnsw.Duration `yaml:"auto_flush_interval"`
	WALFlushInterval  hnsw.Duration `yaml:"wal_flush_interval"`
	WALSyncInterval   hnsw.Duration `yaml:"wal_sync_interval"`
	WALMaxBuffer      int           `yaml:"wal_max_buffer"`
	SyncWrites        bool          `yaml:"sync_writes"`
	VerifyChecksums   bool          `yaml:"verify_checksums"`
}

// MaintenanceConfig controls the background graph optimizer.
type MaintenanceConfig struct {
	Interval                   hnsw.Duration `yaml:"interval"`
	hnsw.AutoMaintenanceConfig `yaml:",inline"`
}

// Load reads and parses the config file at path on top of Default, applies the
// environment override and resolves data_dir relative to the file. Keys absent
// from the file keep their defaults; an explicit 0s interval disables that
// background task.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}
	cfg.DataDir = expandPath(cfg.DataDir, filepath.Dir(path))
	return cfg, nil
}

// expandPath resolves a relative path against configDir.
func expandPath(path, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return filepath.Join(configDir, path)
}

// Options converts the configuration into engine options.
func (c *Config) Options(logger *zap.Logger) engine.Options {
	opts := engine.DefaultOptions(c.DataDir)
	opts.Metric = c.Index.Metric
	opts.Dim = c.Index.Dim
	opts.M = c.Index.M
	opts.EfConstruction = c.Index.EfConstruction
	opts.DefaultEf = c.Index.EfSearch
	opts.Seed = c.Index.Seed
	opts.Workers = c.Index.Workers

	opts.AutoFlushInterval = time.Duration(c.Persistence.AutoFlushInterval)
	opts.WAL = persistence.LazyWALConfig{
		FlushInterval: time.Duration(c.Persistence.WALFlushInterval),
		SyncInterval:  time.Duration(c.Persistence.WALSyncInterval),
		MaxBufferSize: c.Persistence.WALMaxBuffer,
	}
	opts.SyncWrites = c.Persistence.SyncWrites
	opts.VerifyChecksums = c.Persistence.VerifyChecksums

	opts.MaintenanceInterval = time.Duration(c.Maintenance.Interval)
	opts.Maintenance = c.Maintenance.AutoMaintenanceConfig
	opts.Logger = logger
	return opts
}

// NewLogger builds a zap logger: the development preset (console, debug) or the
// production preset (JSON) at the configured level.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if c.Level != "" {
		lvl, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}
