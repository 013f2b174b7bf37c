package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/hnsw"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zyphyr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir: ./vectors
log:
  level: debug
index:
  metric: cosine
  dim: 128
  m: 24
persistence:
  auto_flush_interval: 2s
  sync_writes: true
maintenance:
  interval: 0s
  refine_enabled: true
  delete_threshold: 0.25
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "vectors"), cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, distance.Cosine, cfg.Index.Metric)
	assert.Equal(t, 128, cfg.Index.Dim)
	assert.Equal(t, 24, cfg.Index.M)
	assert.Equal(t, hnsw.DefaultEfConstruction, cfg.Index.EfConstruction)
	assert.Equal(t, hnsw.Duration(2*time.Second), cfg.Persistence.AutoFlushInterval)
	assert.True(t, cfg.Persistence.SyncWrites)
	assert.Zero(t, cfg.Maintenance.Interval)
	assert.True(t, cfg.Maintenance.RefineEnabled)
	assert.Equal(t, 0.25, cfg.Maintenance.DeleteThreshold)
	assert.Equal(t, hnsw.DefaultMaintenanceConfig().RefineBatchSize, cfg.Maintenance.RefineBatchSize)

	opts := cfg.Options(nil)
	assert.Equal(t, cfg.DataDir, opts.DataDir)
	assert.Equal(t, distance.Cosine, opts.Metric)
	assert.Equal(t, 2*time.Second, opts.AutoFlushInterval)
	assert.Equal(t, time.Second, opts.WAL.SyncInterval)
	assert.Zero(t, opts.MaintenanceInterval)
	assert.True(t, opts.Maintenance.RefineEnabled)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, distance.Euclidean, cfg.Index.Metric)
	assert.Equal(t, hnsw.DefaultM, cfg.Index.M)
	assert.Equal(t, hnsw.DefaultEfSearch, cfg.Index.EfSearch)
	assert.Equal(t, hnsw.Duration(10*time.Second), cfg.Maintenance.Interval)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	cfg, err := Load(writeConfig(t, "data_dir: ./ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "index:\n  metric: manhattan\n"))
	assert.ErrorContains(t, err, "unknown metric")

	_, err = Load(writeConfig(t, "persistence:\n  auto_flush_interval: soon\n"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = LogConfig{Level: "chatty"}.NewLogger()
	assert.Error(t, err)
}
