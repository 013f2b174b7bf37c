package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sanonone/zyphyr/pkg/engine"
	"github.com/sanonone/zyphyr/pkg/persistence"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel = "", ""
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func seedDataset(t *testing.T, dir string, n int) {
	t.Helper()
	opts := engine.DefaultOptions(dir)
	opts.AutoFlushInterval = 0
	opts.MaintenanceInterval = 0
	db, err := engine.OpenWithOptions(opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, db.Insert(uint64(i), []float32{float32(i), float32(i % 7), 1}))
	}
	require.NoError(t, db.Close())
}

func TestVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	seedDataset(t, dir, 40)

	out, err := execute(t, "verify", "--data", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "live        40 of 40 slots")
	assert.Contains(t, out, "ok")

	segPath := filepath.Join(dir, persistence.SegmentFileName)
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(segPath, data, 0644))

	_, err = execute(t, "verify", "--data", dir)
	assert.ErrorIs(t, err, engine.ErrCorruptedIndexFile)
}

func TestInfoCommand(t *testing.T) {
	dir := t.TempDir()
	seedDataset(t, dir, 25)

	cfgPath := filepath.Join(t.TempDir(), "zyphyr.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("data_dir: "+dir+"\n"), 0600))

	out, err := execute(t, "info", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"live": 25`)
	assert.Contains(t, out, `"metric": "euclidean"`)
}

func TestRunBench(t *testing.T) {
	p := benchParams{n: 800, dim: 16, k: 5, ef: 64, queries: 30, batch: 250, metric: "cosine", seed: 3}
	rep, err := runBench(context.Background(), p, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 800, rep.Inserted)
	assert.Greater(t, rep.Recall, 0.8)
	assert.Positive(t, rep.SegmentBytes)

	p.metric = "hamming"
	_, err = runBench(context.Background(), p, zap.NewNop())
	assert.ErrorIs(t, err, engine.ErrInvalidParameter)
}
