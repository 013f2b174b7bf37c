package config

import (
	"time"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/persistence"
)

// Default returns a configuration with every field set.
func Default() *Config {
	cfg := &Config{Index: IndexConfig{Metric: distance.Euclidean}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any zero values in cfg. The metric has
// no zero value to detect (Euclidean is 0) and is left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = hnsw.DefaultM
	}
	if cfg.Index.EfConstruction == 0 {
		cfg.Index.EfConstruction = hnsw.DefaultEfConstruction
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = hnsw.DefaultEfSearch
	}

	wal := persistence.DefaultLazyWALConfig()
	if cfg.Persistence.AutoFlushInterval == 0 {
		cfg.Persistence.AutoFlushInterval = hnsw.Duration(5 * time.Second)
	}
	if cfg.Persistence.WALFlushInterval == 0 {
		cfg.Persistence.WALFlushInterval = hnsw.Duration(wal.FlushInterval)
	}
	if cfg.Persistence.WALSyncInterval == 0 {
		cfg.Persistence.WALSyncInterval = hnsw.Duration(wal.SyncInterval)
	}
	if cfg.Persistence.WALMaxBuffer == 0 {
		cfg.Persistence.WALMaxBuffer = wal.MaxBufferSize
	}

	m := hnsw.DefaultMaintenanceConfig()
	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = hnsw.Duration(10 * time.Second)
	}
	if cfg.Maintenance.VacuumInterval == 0 {
		cfg.Maintenance.VacuumInterval = m.VacuumInterval
	}
	if cfg.Maintenance.DeleteThreshold == 0 {
		cfg.Maintenance.DeleteThreshold = m.DeleteThreshold
	}
	if cfg.Maintenance.RefineInterval == 0 {
		cfg.Maintenance.RefineInterval = m.RefineInterval
	}
	if cfg.Maintenance.RefineBatchSize == 0 {
		cfg.Maintenance.RefineBatchSize = m.RefineBatchSize
	}
}
