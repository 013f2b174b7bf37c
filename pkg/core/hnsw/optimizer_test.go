package hnsw

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/zyphyr/pkg/core/distance"
)

func TestVacuumRemovesDeadEdges(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	idx := newTestIndex(t, distance.Euclidean, Config{M: 8, EfConstruction: 64})
	vecs := make([][]float32, 600)
	for i := range vecs {
		vecs[i] = randomVector(rng, 12)
	}
	buildIndex(t, idx, vecs)

	for i := 0; i < 600; i += 3 {
		require.NoError(t, idx.Delete(uint64(i)))
	}

	opt := NewOptimizer(idx, DefaultMaintenanceConfig(), nil)
	assert.True(t, opt.RunCycle(TaskVacuum))

	for iid := uint32(0); iid < idx.Store().Slots(); iid++ {
		n := idx.Node(iid)
		if n.IsDeleted() {
			assert.Equal(t, 0, n.edgeCount(), "purged node %d keeps edges", iid)
			continue
		}
		for l := 0; l <= n.Level(); l++ {
			for _, nb := range n.Neighbors(l) {
				assert.False(t, idx.Node(nb.ID).IsDeleted(), "node %d still links to deleted %d", iid, nb.ID)
			}
		}
	}
	assertReachable(t, idx)

	// Nothing left to do.
	assert.False(t, opt.Vacuum())

	hits := 0
	for i := 1; i < 600; i += 3 {
		res, err := idx.Search(context.Background(), vecs[i], 1, 50)
		require.NoError(t, err)
		if len(res) == 1 && res[0].ID == uint64(i) {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, 190)
}

func TestRunCycleHonorsThreshold(t *testing.T) {
	idx := newTestIndex(t, distance.Euclidean, DefaultConfig())
	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Insert(uint64(i), []float32{float32(i), 0}))
	}
	require.NoError(t, idx.Delete(3))

	cfg := DefaultMaintenanceConfig()
	cfg.VacuumInterval = Duration(1)
	cfg.DeleteThreshold = 0.5
	opt := NewOptimizer(idx, cfg, nil)
	assert.False(t, opt.RunCycle(""), "5%% deleted is below the threshold")

	cfg.DeleteThreshold = 0.01
	opt.UpdateConfig(cfg)
	assert.Equal(t, cfg, opt.GetConfig())
	assert.True(t, opt.RunCycle(""))
}

func TestRefineKeepsGraphSearchable(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	idx := newTestIndex(t, distance.Cosine, Config{M: 8, EfConstruction: 64})
	vecs := make([][]float32, 400)
	for i := range vecs {
		vecs[i] = randomVector(rng, 16)
	}
	buildIndex(t, idx, vecs)

	cfg := DefaultMaintenanceConfig()
	cfg.RefineBatchSize = 150
	opt := NewOptimizer(idx, cfg, nil)
	for i := 0; i < 3; i++ {
		assert.True(t, opt.Refine())
	}

	hits := 0
	for i, v := range vecs {
		res, err := idx.Search(context.Background(), v, 1, 50)
		require.NoError(t, err)
		if len(res) == 1 && res[0].ID == uint64(i) {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, 390)
}

func TestRelinkKeepsEdgesAddedDuringCompute(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	idx := newTestIndex(t, distance.Euclidean, Config{M: 6, EfConstruction: 64})
	vecs := make([][]float32, 300)
	for i := range vecs {
		vecs[i] = randomVector(rng, 8)
	}
	buildIndex(t, idx, vecs)

	opt := NewOptimizer(idx, DefaultMaintenanceConfig(), nil)
	n := idx.Node(0)
	list, base := opt.computeLayer(n, 0, 64, nil)

	// An insert lands between the compute step and the commit. It sits right next
	// to node 0, so node 0 gains a reverse edge to it.
	twin := make([]float32, len(vecs[0]))
	for j, x := range vecs[0] {
		twin[j] = x + 1e-4
	}
	require.NoError(t, idx.Insert(1000, twin))
	twinIID, ok := idx.Store().InternalID(1000)
	require.True(t, ok)
	require.True(t, containsNeighbor(n.Neighbors(0), twinIID))

	mu := idx.shardFor(n.InternalID)
	mu.Lock()
	opt.commitLayer(n, 0, list, base, nil)
	mu.Unlock()

	got := n.Neighbors(0)
	assert.True(t, containsNeighbor(got, twinIID), "edge added by the concurrent insert was dropped")
	assert.LessOrEqual(t, len(got), 2*6)
	if len(list) < 2*6 {
		for _, nb := range list {
			assert.True(t, containsNeighbor(got, nb.ID), "recomputed edge %d lost without overflow", nb.ID)
		}
	}
}
