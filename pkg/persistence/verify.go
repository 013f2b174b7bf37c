package persistence

import (
	"go.uber.org/zap"

	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
)

// Report summarizes a verified segment.
type Report struct {
	Header         Header
	FileSize       int64
	DeadGraphBytes int64
	Graph          hnsw.Stats
}

const verifyAttempts = 3

// Verify fully loads the segment at path (header, graph checksum, every record
// checksum and the graph structure) without taking the writer lock. A writer that
// commits while the check runs is detected by re-reading the header, and the check
// is repeated against the new commit.
func Verify(path string, logger *zap.Logger) (*Report, error) {
	var lastErr error
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		rep, seq, err := verifyOnce(path, logger)
		if err == nil {
			return rep, nil
		}
		if seq == 0 || !headerMoved(path, seq) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func verifyOnce(path string, logger *zap.Logger) (*Report, uint64, error) {
	seg, err := openSegment(path, true, logger)
	if err != nil {
		return nil, 0, err
	}
	defer seg.Close()

	h := *seg.header
	store, err := vector.NewCollection(int(h.Dim), h.Metric)
	if err != nil {
		return nil, h.Sequence, types.Corruptedf("%v", err)
	}
	cfg := hnsw.Config{M: int(h.M), EfConstruction: int(h.EfConstruction), Workers: 1}
	index, err := hnsw.New(cfg, store, logger)
	if err != nil {
		return nil, h.Sequence, types.Corruptedf("%v", err)
	}
	if err := seg.Load(store, index, true); err != nil {
		return nil, h.Sequence, err
	}

	return &Report{
		Header:         h,
		FileSize:       seg.fileEnd,
		DeadGraphBytes: seg.fileEnd - int64(h.VectorEnd()) - int64(h.GraphLength),
		Graph:          index.Stats(),
	}, h.Sequence, nil
}

// headerMoved reports whether the file at path now carries a different commit.
func headerMoved(path string, seq uint64) bool {
	seg, err := openSegment(path, true, nil)
	if err != nil {
		return false
	}
	defer seg.Close()
	return seg.header.Sequence != seq
}
