package persistence

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
)

const testDim = 20

type graph struct {
	store *vector.Collection
	index *hnsw.Index
}

func newGraph(t *testing.T, metric distance.Metric) graph {
	t.Helper()
	store, err := vector.NewCollection(0, metric)
	require.NoError(t, err)
	cfg := hnsw.Config{M: 8, EfConstruction: 64, Workers: 2}
	index, err := hnsw.New(cfg, store, nil)
	require.NoError(t, err)
	return graph{store: store, index: index}
}

func randomVec(rng *rand.Rand) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func (g graph) fill(t *testing.T, rng *rand.Rand, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, g.index.Insert(uint64(i), randomVec(rng)))
	}
}

// reload opens path and restores it into a fresh graph with the same parameters.
func reload(t *testing.T, path string, src graph) (graph, *Segment, error) {
	t.Helper()
	seg, err := OpenSegment(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })

	dst := graph{}
	dst.store, err = vector.NewCollection(0, src.store.Metric())
	require.NoError(t, err)
	dst.index, err = hnsw.New(src.index.Config(), dst.store, nil)
	require.NoError(t, err)
	return dst, seg, seg.Load(dst.store, dst.index, true)
}

func assertSameResults(t *testing.T, rng *rand.Rand, want, got graph) {
	t.Helper()
	require.Equal(t, want.store.Len(), got.store.Len())
	require.Equal(t, want.store.Slots(), got.store.Slots())
	for i := 0; i < 25; i++ {
		q := randomVec(rng)
		a, err := want.index.Search(context.Background(), q, 10, 40)
		require.NoError(t, err)
		b, err := got.index.Search(context.Background(), q, 10, 40)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestSegmentCommitAndLoad(t *testing.T) {
	for _, metric := range []distance.Metric{distance.Euclidean, distance.Cosine, distance.DotProduct} {
		t.Run(metric.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(5))
			path := filepath.Join(t.TempDir(), SegmentFileName)

			src := newGraph(t, metric)
			src.fill(t, rng, 0, 400)
			for i := 0; i < 400; i += 9 {
				require.NoError(t, src.index.Delete(uint64(i)))
			}

			seg, err := OpenSegment(path, nil)
			require.NoError(t, err)
			assert.Zero(t, seg.Sequence())
			require.NoError(t, seg.Commit(src.store, src.index))
			h, ok := seg.Header()
			require.True(t, ok)
			assert.Equal(t, uint64(1), h.Sequence)
			assert.Equal(t, uint64(src.store.Len()), h.LiveCount)
			assert.Equal(t, uint32(testDim), h.Dim)
			assert.Equal(t, metric, h.Metric)
			require.NoError(t, seg.Close())

			dst, seg2, err := reload(t, path, src)
			require.NoError(t, err)
			assert.Equal(t, h.ID, seg2.ID())
			assert.Equal(t, hnsw.StateReady, dst.index.State())
			assert.Equal(t, src.index.Stats(), dst.index.Stats())
			v, err := dst.store.Get(1)
			require.NoError(t, err)
			assert.True(t, v.IsAligned(), "mapped payloads keep their alignment")
			assertSameResults(t, rng, src, dst)
		})
	}
}

func TestSegmentIncrementalCommits(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	path := filepath.Join(t.TempDir(), SegmentFileName)
	src := newGraph(t, distance.Euclidean)

	seg, err := OpenSegment(path, nil)
	require.NoError(t, err)
	defer seg.Close()

	src.fill(t, rng, 0, 200)
	require.NoError(t, seg.Commit(src.store, src.index))
	first, _ := seg.Header()

	src.fill(t, rng, 200, 300)
	for i := 0; i < 300; i += 4 {
		require.NoError(t, src.index.Delete(uint64(i)))
	}
	require.NoError(t, seg.Commit(src.store, src.index))
	second, _ := seg.Header()

	assert.Equal(t, first.Sequence+1, second.Sequence)
	assert.Equal(t, first.Capacity, second.Capacity, "no rewrite while capacity lasts")
	assert.Greater(t, second.GraphOffset, first.GraphOffset, "graph region is appended")
	assert.Equal(t, uint64(300), second.Slots)

	dst, _, err := reload(t, path, src)
	require.NoError(t, err)
	assertSameResults(t, rng, src, dst)
	for i := 0; i < 300; i += 4 {
		_, err := dst.store.Get(uint64(i))
		assert.ErrorIs(t, err, types.ErrNotFound)
	}

	// Loading then continuing to write on the reloaded graph keeps working.
	dst.fill(t, rng, 300, 350)
	_, seg3, _ := reload(t, path, src)
	require.NoError(t, seg3.Commit(dst.store, dst.index))
	again, _, err := reload(t, path, dst)
	require.NoError(t, err)
	assertSameResults(t, rng, dst, again)
}

func TestSegmentGrowsByRewrite(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	path := filepath.Join(t.TempDir(), SegmentFileName)
	src := newGraph(t, distance.Euclidean)

	seg, err := OpenSegment(path, nil)
	require.NoError(t, err)
	defer seg.Close()

	src.fill(t, rng, 0, 100)
	require.NoError(t, seg.Commit(src.store, src.index))
	small, _ := seg.Header()
	assert.Equal(t, uint64(minCapacity), small.Capacity)

	src.fill(t, rng, 100, minCapacity+50)
	require.NoError(t, seg.Commit(src.store, src.index))
	grown, _ := seg.Header()
	assert.Greater(t, grown.Capacity, small.Capacity)
	assert.Equal(t, small.ID, grown.ID)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	dst, _, err := reload(t, path, src)
	require.NoError(t, err)
	assertSameResults(t, rng, src, dst)
}

func TestSegmentCompactAfterLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	path := filepath.Join(t.TempDir(), SegmentFileName)
	src := newGraph(t, distance.Cosine)
	src.fill(t, rng, 0, 300)

	seg, err := OpenSegment(path, nil)
	require.NoError(t, err)
	require.NoError(t, seg.Commit(src.store, src.index))
	require.NoError(t, seg.Close())

	// The reloaded vectors point into the old file while it is being replaced.
	dst, seg2, err := reload(t, path, src)
	require.NoError(t, err)
	for i := 0; i < 300; i += 3 {
		require.NoError(t, dst.index.Delete(uint64(i)))
	}
	require.NoError(t, seg2.Compact(dst.store, dst.index))
	assertSameResults(t, rng, dst, dst)

	again, _, err := reload(t, path, dst)
	require.NoError(t, err)
	assertSameResults(t, rng, dst, again)
}

func TestSegmentEmptyCollectionIsNotWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), SegmentFileName)
	g := newGraph(t, distance.Euclidean)
	seg, err := OpenSegment(path, nil)
	require.NoError(t, err)
	require.NoError(t, seg.Commit(g.store, g.index))
	require.NoError(t, seg.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func committedSegment(t *testing.T) (string, graph) {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	path := filepath.Join(t.TempDir(), SegmentFileName)
	src := newGraph(t, distance.Euclidean)
	src.fill(t, rng, 0, 150)
	seg, err := OpenSegment(path, nil)
	require.NoError(t, err)
	require.NoError(t, seg.Commit(src.store, src.index))
	require.NoError(t, seg.Close())
	return path, src
}

func flipByte(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0x5A
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestSegmentCorruption(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		path, _ := committedSegment(t)
		flipByte(t, path, 9)
		_, err := OpenSegment(path, nil)
		assert.ErrorIs(t, err, types.ErrCorruptedIndexFile)
	})

	t.Run("magic", func(t *testing.T) {
		path, _ := committedSegment(t)
		flipByte(t, path, 0)
		_, err := OpenSegment(path, nil)
		assert.ErrorIs(t, err, types.ErrCorruptedIndexFile)
	})

	t.Run("truncated", func(t *testing.T) {
		path, _ := committedSegment(t)
		require.NoError(t, os.Truncate(path, 64))
		_, err := OpenSegment(path, nil)
		assert.ErrorIs(t, err, types.ErrCorruptedIndexFile)
	})

	t.Run("graph region", func(t *testing.T) {
		path, src := committedSegment(t)
		seg, err := OpenSegment(path, nil)
		require.NoError(t, err)
		h, _ := seg.Header()
		require.NoError(t, seg.Close())

		flipByte(t, path, int64(h.GraphOffset+h.GraphLength/2))
		dst, _, err := reload(t, path, src)
		assert.ErrorIs(t, err, types.ErrCorruptedIndexFile)
		assert.Equal(t, hnsw.StateCorrupted, dst.index.State())
		_, err = dst.index.Search(context.Background(), randomVec(rand.New(rand.NewSource(1))), 1, 10)
		assert.Error(t, err)
	})

	t.Run("vector record", func(t *testing.T) {
		path, src := committedSegment(t)
		flipByte(t, path, pageSize+5*int64(RecordStride(testDim))+recordHeaderSize+2)
		dst, _, err := reload(t, path, src)
		assert.ErrorIs(t, err, types.ErrCorruptedIndexFile)
		assert.Equal(t, hnsw.StateCorrupted, dst.index.State())
	})
}

func TestVerify(t *testing.T) {
	path, src := committedSegment(t)
	rep, err := Verify(path, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(src.store.Len()), rep.Header.LiveCount)
	assert.Equal(t, src.store.Len(), rep.Graph.Nodes)
	assert.Zero(t, rep.DeadGraphBytes)

	flipByte(t, path, pageSize+recordHeaderSize)
	_, err = Verify(path, nil)
	assert.ErrorIs(t, err, types.ErrCorruptedIndexFile)

	_, err = Verify(filepath.Join(t.TempDir(), "missing"), nil)
	assert.ErrorIs(t, err, types.ErrIO)
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir()
	l, err := LockDir(dir)
	require.NoError(t, err)

	_, err = LockDir(dir)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, err, types.ErrIO)

	require.NoError(t, l.Unlock())
	l2, err := LockDir(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Unlock())
}
