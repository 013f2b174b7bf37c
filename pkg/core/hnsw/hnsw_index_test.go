package hnsw

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/zyphyr/pkg/core"
	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
)

var _ core.VectorIndex = (*Index)(nil)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

// clusteredVectors draws n points around `centers` random centroids.
func clusteredVectors(rng *rand.Rand, n, dim, centers int, spread float64) [][]float32 {
	cs := make([][]float32, centers)
	for i := range cs {
		cs[i] = randomVector(rng, dim)
	}
	out := make([][]float32, n)
	for i := range out {
		c := cs[rng.Intn(centers)]
		v := make([]float32, dim)
		for j := range v {
			v[j] = c[j] + float32(rng.NormFloat64()*spread)
		}
		out[i] = v
	}
	return out
}

func newTestIndex(t testing.TB, metric distance.Metric, cfg Config) *Index {
	t.Helper()
	store, err := vector.NewCollection(0, metric)
	require.NoError(t, err)
	idx, err := New(cfg, store, nil)
	require.NoError(t, err)
	return idx
}

func buildIndex(t testing.TB, idx *Index, vecs [][]float32) {
	t.Helper()
	for i, v := range vecs {
		require.NoError(t, idx.Insert(uint64(i), v))
	}
}

func assertWellFormed(t *testing.T, res []types.SearchResult, k int) {
	t.Helper()
	assert.LessOrEqual(t, len(res), k)
	seen := make(map[uint64]struct{}, len(res))
	for i, r := range res {
		_, dup := seen[r.ID]
		assert.False(t, dup, "duplicate id %d", r.ID)
		seen[r.ID] = struct{}{}
		if i > 0 {
			assert.LessOrEqual(t, res[i-1].Distance, r.Distance, "results must be sorted")
		}
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newTestIndex(t, distance.Euclidean, DefaultConfig())
	assert.Equal(t, StateEmpty, idx.State())

	res, err := idx.Search(context.Background(), []float32{1, 2, 3}, 5, 50)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, -1, idx.MaxLevel())
}

func TestSearchInvalidParameters(t *testing.T) {
	idx := newTestIndex(t, distance.Euclidean, DefaultConfig())
	require.NoError(t, idx.Insert(1, []float32{1, 2}))

	_, err := idx.Search(context.Background(), []float32{1, 2}, 0, 10)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = idx.Search(context.Background(), []float32{1, 2}, 10, 5)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = idx.Search(context.Background(), []float32{1, 2, 3}, 1, 10)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	err = idx.Insert(2, []float32{1})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestConfigValidation(t *testing.T) {
	store, err := vector.NewCollection(0, distance.Euclidean)
	require.NoError(t, err)

	_, err = New(Config{M: 1, EfConstruction: 10}, store, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = New(Config{M: 16, EfConstruction: 0}, store, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestSelfQueryFindsInsertedVector(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	idx := newTestIndex(t, distance.Euclidean, Config{M: 16, EfConstruction: 200})

	vecs := make([][]float32, 1000)
	for i := range vecs {
		vecs[i] = randomVector(rng, 64)
	}
	buildIndex(t, idx, vecs)
	assert.Equal(t, StateReady, idx.State())
	assert.Equal(t, 1000, idx.Len())

	hits := 0
	for i, v := range vecs {
		res, err := idx.Search(context.Background(), v, 1, 50)
		require.NoError(t, err)
		require.Len(t, res, 1)
		if res[0].ID == uint64(i) {
			hits++
			assert.InDelta(t, 0, res[0].Distance, 1e-5)
		}
	}
	assert.GreaterOrEqual(t, hits, 990)
}

func TestRecallAgainstExactIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a 10k x 128 graph")
	}
	const (
		n, dim, k, ef = 10_000, 128, 10, 50
		queries       = 100
	)
	rng := rand.New(rand.NewSource(42))
	vecs := clusteredVectors(rng, n, dim, 100, 0.25)

	idx := newTestIndex(t, distance.Euclidean, Config{M: 16, EfConstruction: 200})
	_, err := idx.BulkInsert(batch(vecs))
	require.NoError(t, err)

	exact, err := core.NewExactIndexOver(idx.Store())
	require.NoError(t, err)

	total := 0.0
	for i := 0; i < queries; i++ {
		q := vecs[rng.Intn(n)]
		noisy := make([]float32, dim)
		for j := range q {
			noisy[j] = q[j] + float32(rng.NormFloat64()*0.05)
		}
		truth, err := exact.Search(context.Background(), noisy, k, 0)
		require.NoError(t, err)
		got, err := idx.Search(context.Background(), noisy, k, ef)
		require.NoError(t, err)
		assertWellFormed(t, got, k)
		total += core.Recall(truth, got)
	}
	recall := total / queries
	t.Logf("recall@%d (ef=%d): %.3f", k, ef, recall)
	assert.GreaterOrEqual(t, recall, 0.9)
}

func TestClusteredGraphStaysConnected(t *testing.T) {
	if testing.Short() {
		t.Skip("builds two 5k x 32 graphs")
	}
	const (
		n, dim, centers, k = 5000, 32, 50, 10
		queries            = 200
	)
	cases := []struct {
		name      string
		spread    float64
		ef        int
		minRecall float64
	}{
		{name: "tight", spread: 0.05, ef: 200, minRecall: 0},
		{name: "loose", spread: 0.20, ef: 100, minRecall: 0.9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(77))
			vecs := clusteredVectors(rng, n, dim, centers, tc.spread)
			idx := newTestIndex(t, distance.Euclidean, Config{M: 16, EfConstruction: 200})
			buildIndex(t, idx, vecs)

			assertReachable(t, idx)

			exact, err := core.NewExactIndexOver(idx.Store())
			require.NoError(t, err)

			total := 0.0
			selfHits := 0
			for i := 0; i < queries; i++ {
				id := rng.Intn(n)
				got, err := idx.Search(context.Background(), vecs[id], k, tc.ef)
				require.NoError(t, err)
				assertWellFormed(t, got, k)
				if len(got) > 0 && got[0].Distance == 0 {
					selfHits++
				}
				truth, err := exact.Search(context.Background(), vecs[id], k, 0)
				require.NoError(t, err)
				total += core.Recall(truth, got)
			}
			recall := total / queries
			t.Logf("spread %.2f recall@%d (ef=%d): %.3f", tc.spread, k, tc.ef, recall)
			assert.Equal(t, queries, selfHits, "every stored vector finds itself")
			assert.GreaterOrEqual(t, recall, tc.minRecall)
		})
	}
}

func batch(vecs [][]float32) []types.BatchObject {
	out := make([]types.BatchObject, len(vecs))
	for i, v := range vecs {
		out[i] = types.BatchObject{Id: uint64(i), Vector: v}
	}
	return out
}

func TestDuplicateInsertKeepsOriginal(t *testing.T) {
	idx := newTestIndex(t, distance.Euclidean, DefaultConfig())
	a := []float32{1, 0, 0}
	require.NoError(t, idx.Insert(1, a))
	require.NoError(t, idx.Insert(2, []float32{0, 1, 0}))

	err := idx.Insert(1, []float32{0, 0, 1})
	assert.ErrorIs(t, err, types.ErrDuplicateID)

	res, err := idx.Search(context.Background(), a, 1, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(1), res[0].ID)
	assert.Equal(t, float32(0), res[0].Distance)
}

func TestDeletedNeverReturned(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	idx := newTestIndex(t, distance.Cosine, DefaultConfig())
	vecs := make([][]float32, 500)
	for i := range vecs {
		vecs[i] = randomVector(rng, 32)
	}
	buildIndex(t, idx, vecs)

	deleted := map[uint64]bool{}
	for i := 0; i < 500; i += 5 {
		require.NoError(t, idx.Delete(uint64(i)))
		deleted[uint64(i)] = true
	}
	assert.Equal(t, 400, idx.Len())

	err := idx.Delete(0)
	assert.ErrorIs(t, err, types.ErrNotFound)

	for id := range deleted {
		res, err := idx.Search(context.Background(), vecs[id], 10, 50)
		require.NoError(t, err)
		assertWellFormed(t, res, 10)
		for _, r := range res {
			assert.False(t, deleted[r.ID], "deleted id %d returned", r.ID)
		}
	}
}

func TestDeleteEntryPointPromotes(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	idx := newTestIndex(t, distance.Euclidean, Config{M: 8, EfConstruction: 100})
	vecs := make([][]float32, 500)
	for i := range vecs {
		vecs[i] = randomVector(rng, 16)
	}
	buildIndex(t, idx, vecs)

	for round := 0; round < 3; round++ {
		epIID, _, ok := idx.EntryPoint()
		require.True(t, ok)
		epID := idx.Store().VectorAt(epIID).ID
		require.NoError(t, idx.Delete(epID))

		newIID, newLevel, ok := idx.EntryPoint()
		require.True(t, ok)
		assert.NotEqual(t, epIID, newIID)
		assert.False(t, idx.Node(newIID).IsDeleted())

		// The promoted node is the lowest-index node on the highest live level.
		for iid := uint32(0); iid < idx.Store().Slots(); iid++ {
			n := idx.Node(iid)
			if n == nil || n.IsDeleted() {
				continue
			}
			assert.LessOrEqual(t, n.Level(), newLevel)
			if n.Level() == newLevel {
				assert.GreaterOrEqual(t, iid, newIID)
			}
		}

		res, err := idx.Search(context.Background(), vecs[0], 5, 50)
		require.NoError(t, err)
		assert.NotEmpty(t, res)
		for _, r := range res {
			assert.NotEqual(t, epID, r.ID)
		}
	}

	assertReachable(t, idx)
}

// assertReachable checks that every live node can be reached on layer 0 from the
// entry point, walking through tombstoned nodes as search does.
func assertReachable(t *testing.T, idx *Index) {
	t.Helper()
	ep, _, ok := idx.EntryPoint()
	require.True(t, ok)

	seen := map[uint32]bool{ep: true}
	queue := []uint32{ep}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range idx.Node(cur).Neighbors(0) {
			if !seen[nb.ID] {
				seen[nb.ID] = true
				queue = append(queue, nb.ID)
			}
		}
	}
	for iid, v := range idx.Store().All() {
		assert.True(t, seen[iid], "live node %d (id %d) unreachable", iid, v.ID)
	}
}

func TestDeleteAll(t *testing.T) {
	idx := newTestIndex(t, distance.Euclidean, DefaultConfig())
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Insert(uint64(i), []float32{float32(i), 1}))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Delete(uint64(i)))
	}
	_, _, ok := idx.EntryPoint()
	assert.False(t, ok)

	res, err := idx.Search(context.Background(), []float32{1, 1}, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, res)

	require.NoError(t, idx.Insert(100, []float32{3, 3}))
	res, err = idx.Search(context.Background(), []float32{1, 1}, 3, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint64(100), res[0].ID)
}

func TestSearchDeadlineReturnsPartialResults(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	idx := newTestIndex(t, distance.Euclidean, DefaultConfig())
	vecs := make([][]float32, 2000)
	for i := range vecs {
		vecs[i] = randomVector(rng, 16)
	}
	buildIndex(t, idx, vecs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := idx.Search(ctx, vecs[0], 10, 500)
	require.NoError(t, err)
	assert.NotEmpty(t, res)
	assertWellFormed(t, res, 10)
}

func TestSearchIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	idx := newTestIndex(t, distance.DotProduct, DefaultConfig())
	vecs := make([][]float32, 300)
	for i := range vecs {
		vecs[i] = randomVector(rng, 8)
	}
	buildIndex(t, idx, vecs)

	q := randomVector(rng, 8)
	first, err := idx.Search(context.Background(), q, 20, 40)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := idx.Search(context.Background(), q, 20, 40)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNeighborListsRespectCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	cfg := Config{M: 6, EfConstruction: 50}
	idx := newTestIndex(t, distance.Euclidean, cfg)
	vecs := make([][]float32, 800)
	for i := range vecs {
		vecs[i] = randomVector(rng, 8)
	}
	buildIndex(t, idx, vecs)

	for iid := uint32(0); iid < idx.Store().Slots(); iid++ {
		n := idx.Node(iid)
		require.NotNil(t, n)
		for l := 0; l <= n.Level(); l++ {
			limit := cfg.M
			if l == 0 {
				limit = 2 * cfg.M
			}
			list := n.Neighbors(l)
			assert.LessOrEqual(t, len(list), limit)
			for _, nb := range list {
				assert.NotEqual(t, iid, nb.ID, "self loop")
				assert.GreaterOrEqual(t, idx.Node(nb.ID).Level(), l)
			}
		}
	}

	st := idx.Stats()
	assert.Equal(t, 800, st.Nodes)
	assert.Equal(t, 800, st.LevelCounts[0])
	assert.Equal(t, st.MaxLevel+1, len(st.LevelCounts))
	assert.Greater(t, st.AvgDegree0, 1.0)
}

func TestRandomLevelDistribution(t *testing.T) {
	idx := newTestIndex(t, distance.Euclidean, Config{M: 16, EfConstruction: 10})
	counts := map[int]int{}
	const draws = 100_000
	for i := 0; i < draws; i++ {
		counts[idx.randomLevel()]++
	}
	// P(level >= 1) = 1/M.
	above := draws - counts[0]
	assert.InDelta(t, float64(draws)/16, float64(above), float64(draws)/16*0.15)
}
