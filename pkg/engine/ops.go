package engine

// Every mutation is applied to the in-memory store and graph first, which
// validates it, and then appended to the write-ahead log. A per-id lock keeps the
// log order of any single id identical to its memory order.

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
	"github.com/sanonone/zyphyr/pkg/metrics"
	"github.com/sanonone/zyphyr/pkg/persistence"
)

func (db *Database) idLock(id uint64) func() {
	mu := &db.idLocks[(id^id>>17)%uint64(len(db.idLocks))]
	mu.Lock()
	return mu.Unlock
}

// enter marks the start of an operation; the returned func must be deferred.
func (db *Database) enter() (func(), error) {
	db.lifeMu.RLock()
	if db.closed.Load() {
		db.lifeMu.RUnlock()
		return nil, types.ErrClosed
	}
	return db.lifeMu.RUnlock, nil
}

// observe records an operation's latency and outcome.
func observe(op string, start time.Time, err *error) {
	metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.OperationsTotal.WithLabelValues(op, statusOf(*err)).Inc()
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, types.ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, types.ErrCorruptedIndexFile):
		return "corrupted"
	case errors.Is(err, types.ErrIO):
		return "io_error"
	case errors.Is(err, types.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// logWrite records one mutation. queued reports whether the frame entered the log
// buffer, which stays true when only the following sync failed.
func (db *Database) logWrite(op byte, payload []byte) (queued bool, err error) {
	if err := db.wal.Append(op, payload); err != nil {
		return false, types.IOError("append to wal", err)
	}
	db.dirty.Add(1)
	if db.opts.SyncWrites {
		if err := db.wal.Sync(); err != nil {
			return true, types.IOError("sync wal", err)
		}
	}
	return true, nil
}

// --- Mutations ---

// Insert stores vec under id. It fails with ErrDuplicateID if id is live and with
// ErrDimensionMismatch if vec's length differs from the dataset's dimension (fixed
// by the first insert). A failed insert changes nothing.
func (db *Database) Insert(id uint64, vec []float32) (err error) {
	defer observe("insert", time.Now(), &err)
	leave, err := db.enter()
	if err != nil {
		return err
	}
	defer leave()

	db.writeMu.RLock()
	defer db.writeMu.RUnlock()
	unlock := db.idLock(id)
	defer unlock()

	if err := db.index.Insert(id, vec); err != nil {
		return err
	}
	if queued, err := db.logWrite(persistence.OpInsert, persistence.EncodeInsert(id, vec)); err != nil {
		db.undoInsert(id, queued)
		return err
	}
	return nil
}

// undoInsert removes a vector whose log write failed. A frame that did reach the
// buffer is cancelled with a delete frame so replay does not bring it back.
// Callers hold id's lock.
func (db *Database) undoInsert(id uint64, queued bool) {
	if err := db.index.Delete(id); err != nil {
		db.logger.Error("rolling back insert failed", zap.Uint64("id", id), zap.Error(err))
		return
	}
	if queued {
		if err := db.wal.Append(persistence.OpDelete, persistence.EncodeDelete(id)); err != nil {
			db.logger.Error("logging insert rollback failed", zap.Uint64("id", id), zap.Error(err))
		}
	}
}

// BulkInsert inserts items in order and links them in parallel. It stops at the
// first failing item: items before it stay inserted, the failing item and the rest
// are not. The number of inserted items is returned with the error.
func (db *Database) BulkInsert(items []types.BatchObject) (n int, err error) {
	defer observe("bulk_insert", time.Now(), &err)
	leave, err := db.enter()
	if err != nil {
		return 0, err
	}
	defer leave()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	n, err = db.index.BulkInsert(items)
	for _, it := range items[:n] {
		if werr := db.wal.Append(persistence.OpInsert, persistence.EncodeInsert(it.Id, it.Vector)); werr != nil {
			return n, types.IOError("append to wal", werr)
		}
	}
	if n > 0 {
		db.dirty.Add(int64(n))
		if db.opts.SyncWrites {
			if serr := db.wal.Sync(); serr != nil {
				return n, types.IOError("sync wal", serr)
			}
		}
		db.logger.Debug("bulk insert", zap.Int("inserted", n), zap.Int("requested", len(items)))
	}
	return n, err
}

// Delete removes id. It fails with ErrNotFound if id is not live. The id is never
// returned by a later Search and may be inserted again.
//
// A tombstone cannot be undone, so when the log write fails the delete has
// already taken effect in memory: the error matches ErrIO, and the id stays
// deleted until a restart replays a log that never recorded it.
func (db *Database) Delete(id uint64) (err error) {
	defer observe("delete", time.Now(), &err)
	leave, err := db.enter()
	if err != nil {
		return err
	}
	defer leave()

	db.writeMu.RLock()
	defer db.writeMu.RUnlock()
	unlock := db.idLock(id)
	defer unlock()

	if err := db.index.Delete(id); err != nil {
		return err
	}
	_, err = db.logWrite(persistence.OpDelete, persistence.EncodeDelete(id))
	return err
}

// --- Queries ---

// Search returns up to k nearest live vectors ordered by ascending distance, ties
// broken by insertion slot. ef is the beam width (0 means the configured default,
// raised to k when smaller); an explicit ef below k is ErrInvalidParameter. When
// ctx expires mid-search the best results found so far are returned.
func (db *Database) Search(ctx context.Context, query []float32, k, ef int) (res []types.SearchResult, err error) {
	defer observe("search", time.Now(), &err)
	leave, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	if ef == 0 {
		ef = max(db.opts.DefaultEf, k)
	}
	return db.index.Search(ctx, query, k, ef)
}

// Get returns a copy of the stored vector for id. Under Cosine and DotProduct the
// stored form is unit length.
func (db *Database) Get(id uint64) ([]float32, error) {
	leave, err := db.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	v, err := db.store.Get(id)
	if err != nil {
		return nil, err
	}
	out := make([]float32, v.Dim())
	copy(out, v.Data())
	return out, nil
}

// Contains reports whether id is live.
func (db *Database) Contains(id uint64) bool {
	_, ok := db.store.InternalID(id)
	return ok
}

// Len returns the number of live vectors.
func (db *Database) Len() int { return db.store.Len() }

// Dim returns the dataset dimension, 0 before the first insert.
func (db *Database) Dim() int { return db.store.Dim() }

// Metric returns the distance metric.
func (db *Database) Metric() distance.Metric { return db.store.Metric() }

// --- Persistence ---

// Flush commits the current state to the segment and restarts the write-ahead log.
// A failure is ErrIO and retryable; the in-memory state stays valid and keeps
// serving reads and writes either way.
func (db *Database) Flush() (err error) {
	defer observe("flush", time.Now(), &err)
	leave, err := db.enter()
	if err != nil {
		return err
	}
	defer leave()
	return db.flush()
}

func (db *Database) flush() error {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.dirty.Load() == 0 {
		return nil
	}
	return db.commitLocked(db.segment.Commit)
}

// Compact rewrites the segment into a fresh file, dropping dead graph regions and
// resizing the vector region.
func (db *Database) Compact() (err error) {
	defer observe("compact", time.Now(), &err)
	leave, err := db.enter()
	if err != nil {
		return err
	}
	defer leave()

	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.commitLocked(db.segment.Compact)
}

// commitLocked runs a segment commit and rebinds the log to it. Callers hold
// flushMu and writeMu exclusively.
func (db *Database) commitLocked(commit func(*vector.Collection, *hnsw.Index) error) error {
	start := time.Now()
	if err := commit(db.store, db.index); err != nil {
		metrics.SegmentCommits.WithLabelValues(db.dataset, "error").Inc()
		return err
	}
	metrics.SegmentCommits.WithLabelValues(db.dataset, "ok").Inc()

	h := persistence.WALHeader{SegmentID: db.segment.ID(), Sequence: db.segment.Sequence()}
	if err := db.wal.Reset(h); err != nil {
		// The segment holds everything; keep the database dirty so the next flush
		// retries binding the log.
		db.dirty.Add(1)
		return types.IOError("reset wal", err)
	}
	db.dirty.Store(0)
	db.updateGauges()
	db.logger.Debug("flushed",
		zap.Uint64("sequence", h.Sequence),
		zap.Int("live", db.store.Len()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Stats describes the dataset and its storage.
type Stats struct {
	Live        int     `json:"live"`
	Tombstones  uint64  `json:"tombstones"`
	Slots       uint32  `json:"slots"`
	Dim         int     `json:"dim"`
	Metric      string  `json:"metric"`
	MaxLevel    int     `json:"max_level"`
	EntryPoint  int64   `json:"entry_point"`
	LevelCounts []int   `json:"level_counts"`
	AvgDegree   float64 `json:"avg_degree"`
	State       string  `json:"state"`
	ISA         string  `json:"isa"`

	SegmentSequence uint64 `json:"segment_sequence"`
	SegmentBytes    int64  `json:"segment_bytes"`
	WALBytes        int64  `json:"wal_bytes"`
	WALPending      int    `json:"wal_pending"`
	MemoryBytes     int    `json:"memory_bytes"`
}

// Stats walks the graph once; on a large dataset it is not free.
func (db *Database) Stats() (Stats, error) {
	leave, err := db.enter()
	if err != nil {
		return Stats{}, err
	}
	defer leave()

	g := db.index.Stats()
	return Stats{
		Live:            db.store.Len(),
		Tombstones:      db.store.Tombstones(),
		Slots:           db.store.Slots(),
		Dim:             db.store.Dim(),
		Metric:          db.store.Metric().String(),
		MaxLevel:        g.MaxLevel,
		EntryPoint:      g.EntryPoint,
		LevelCounts:     g.LevelCounts,
		AvgDegree:       g.AvgDegree0,
		State:           db.index.State().String(),
		ISA:             db.index.Engine().ISA().String(),
		SegmentSequence: db.segment.Sequence(),
		SegmentBytes:    db.segment.FileSize(),
		WALBytes:        db.wal.Size(),
		WALPending:      db.wal.Pending(),
		MemoryBytes:     db.store.MemoryUsage(),
	}, nil
}
