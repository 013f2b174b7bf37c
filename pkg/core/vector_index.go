// Package core defines the VectorIndex contract shared by the graph index and the
// exact linear-scan index used as its recall baseline.
package core

import (
	"context"
	"sort"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
)

// --- VectorIndex Interface ---

// VectorIndex is the operation surface every index implementation provides.
type VectorIndex interface {
	// Insert stores vec under a caller-supplied id.
	Insert(id uint64, vec []float32) error
	// Delete removes id; it is never returned by a later Search.
	Delete(id uint64) error
	// Search returns up to k nearest live vectors ordered by ascending distance
	// (ties by internal index). ef is ignored by indexes that do not use a beam.
	Search(ctx context.Context, query []float32, k, ef int) ([]types.SearchResult, error)
	// Len returns the number of live vectors.
	Len() int
	// Metric returns the distance metric.
	Metric() distance.Metric
}

// --- ExactIndex Implementation ---

// ExactIndex scores the query against every live vector. It is not meant for
// production traffic; it is the ground truth recall is measured against.
type ExactIndex struct {
	store  *vector.Collection
	engine *distance.Engine
}

// NewExactIndex creates an empty exact index.
func NewExactIndex(dim int, metric distance.Metric) (*ExactIndex, error) {
	store, err := vector.NewCollection(dim, metric)
	if err != nil {
		return nil, err
	}
	return NewExactIndexOver(store)
}

// NewExactIndexOver scans an existing collection, e.g. the one backing a graph.
func NewExactIndexOver(store *vector.Collection) (*ExactIndex, error) {
	engine, err := distance.NewEngine(store.Metric())
	if err != nil {
		return nil, err
	}
	return &ExactIndex{store: store, engine: engine}, nil
}

func (idx *ExactIndex) Insert(id uint64, vec []float32) error {
	_, err := idx.store.Insert(id, vec)
	return err
}

func (idx *ExactIndex) Delete(id uint64) error {
	_, err := idx.store.Remove(id)
	return err
}

func (idx *ExactIndex) Len() int { return idx.store.Len() }

func (idx *ExactIndex) Metric() distance.Metric { return idx.engine.Metric() }

// Search finds the k nearest vectors by linear scan. k must be > 0.
func (idx *ExactIndex) Search(ctx context.Context, query []float32, k, _ int) ([]types.SearchResult, error) {
	if k <= 0 {
		return nil, types.InvalidParameterf("k must be > 0, got %d", k)
	}
	if len(query) == 0 {
		return nil, types.ErrEmptyVector
	}
	dim := idx.store.Dim()
	if dim == 0 || idx.store.Len() == 0 {
		return []types.SearchResult{}, nil
	}
	if len(query) != dim {
		return nil, &types.DimensionMismatchError{Expected: dim, Actual: len(query)}
	}

	q, _ := idx.engine.Prepare(query)
	cands := make([]types.Candidate, 0, idx.store.Len())
	scanned := 0
	for iid, v := range idx.store.All() {
		if scanned++; scanned%4096 == 0 && ctx.Err() != nil {
			break
		}
		cands = append(cands, types.Candidate{Id: iid, Distance: idx.engine.Prepared(q, v.Data())})
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].Less(cands[j]) })
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]types.SearchResult, len(cands))
	for i, c := range cands {
		out[i] = types.SearchResult{ID: idx.store.VectorAt(c.Id).ID, Distance: c.Distance}
	}
	return out, nil
}

// Recall returns the fraction of ids in truth that also appear in got.
func Recall(truth, got []types.SearchResult) float64 {
	if len(truth) == 0 {
		return 1
	}
	want := make(map[uint64]struct{}, len(truth))
	for _, r := range truth {
		want[r.ID] = struct{}{}
	}
	hit := 0
	for _, r := range got {
		if _, ok := want[r.ID]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(truth))
}
