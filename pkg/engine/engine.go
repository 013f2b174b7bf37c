// Package engine provides the embedded database handle of zyphyr.
//
// It orchestrates the in-memory vector store and HNSW graph (the source of truth
// while the handle is open) and the on-disk side: a memory-mapped segment holding
// vectors and graph, plus a write-ahead log covering mutations since the last
// segment commit.
//
// Basic usage:
//
//	db, err := engine.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	_ = db.Insert(42, vec)
//	results, err := db.Search(ctx, query, 10, 0)
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
	"github.com/sanonone/zyphyr/pkg/metrics"
	"github.com/sanonone/zyphyr/pkg/persistence"
)

// WALFileName is the write-ahead log's name inside the data directory.
const WALFileName = "wal.log"

// Options configures a Database.
type Options struct {
	// DataDir holds the segment, the WAL and the lock file. It is created if missing.
	DataDir string

	// Metric, Dim, M and EfConstruction apply when the directory holds no segment
	// yet; an existing segment's values win. Dim 0 lets the first insert decide.
	Metric         distance.Metric
	Dim            int
	M              int
	EfConstruction int
	// Seed makes level assignment reproducible.
	Seed uint64
	// Workers bounds bulk-insert and maintenance parallelism (0 = GOMAXPROCS).
	Workers int

	// DefaultEf is the search beam width used when a query passes ef = 0.
	DefaultEf int

	// AutoFlushInterval is how often a dirty database commits its segment in the
	// background. 0 disables background flushing.
	AutoFlushInterval time.Duration

	// WAL tunes write batching. SyncWrites fsyncs the log after every mutation.
	WAL        persistence.LazyWALConfig
	SyncWrites bool

	// MaintenanceInterval is how often the graph optimizer is consulted; the
	// optimizer's own config decides what is due. 0 disables maintenance.
	MaintenanceInterval time.Duration
	Maintenance         hnsw.AutoMaintenanceConfig

	// VerifyChecksums checks every vector record's checksum on Open.
	VerifyChecksums bool

	// Logger receives structured logs; nil discards them.
	Logger *zap.Logger
}

// DefaultOptions returns the defaults for a dataset rooted at dataDir:
// Euclidean, M=16, efConstruction=200, ef=50, background flush every 5s, WAL fsync
// every second and graph maintenance checks every 10s.
func DefaultOptions(dataDir string) Options {
	return Options{
		DataDir:             dataDir,
		Metric:              distance.Euclidean,
		M:                   hnsw.DefaultM,
		EfConstruction:      hnsw.DefaultEfConstruction,
		DefaultEf:           hnsw.DefaultEfSearch,
		AutoFlushInterval:   5 * time.Second,
		WAL:                 persistence.DefaultLazyWALConfig(),
		MaintenanceInterval: 10 * time.Second,
		Maintenance:         hnsw.DefaultMaintenanceConfig(),
	}
}

// Database is an open dataset. All methods are safe for concurrent use. The graph
// entry point and every other piece of index state belong to the handle and die
// with it.
type Database struct {
	opts    Options
	logger  *zap.Logger
	dataset string

	lock      *persistence.DirLock
	segment   *persistence.Segment
	wal       *persistence.LazyWAL
	store     *vector.Collection
	index     *hnsw.Index
	optimizer *hnsw.GraphOptimizer

	// lifeMu is held shared by every operation and exclusively by Close, which
	// unmaps the vectors in-flight searches may be reading.
	lifeMu sync.RWMutex
	// writeMu is held shared by single-item writers and exclusively by bulk
	// inserts and flushes, which need a quiescent store and graph.
	writeMu sync.RWMutex
	// idLocks keep a single id's memory and log order identical.
	idLocks [256]sync.Mutex
	flushMu sync.Mutex

	dirty  atomic.Int64
	closed atomic.Bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the dataset at path with DefaultOptions.
func Open(path string) (*Database, error) {
	return OpenWithOptions(DefaultOptions(path))
}

// OpenWithOptions opens or creates a dataset.
//
// It takes the directory's writer lock, loads and validates the segment, replays
// the write-ahead log on top of it, and starts the background flush and
// maintenance loop. A segment that fails validation is reported as
// ErrCorruptedIndexFile and never served.
func OpenWithOptions(opts Options) (*Database, error) {
	if opts.DataDir == "" {
		return nil, types.InvalidParameterf("data directory is required")
	}
	if opts.DefaultEf <= 0 {
		opts.DefaultEf = hnsw.DefaultEfSearch
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("data_dir", opts.DataDir))

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, types.IOError("create data directory", err)
	}
	lock, err := persistence.LockDir(opts.DataDir)
	if err != nil {
		return nil, err
	}

	db := &Database{
		opts:    opts,
		logger:  logger,
		dataset: filepath.Clean(opts.DataDir),
		lock:    lock,
		stop:    make(chan struct{}),
	}
	if err := db.open(); err != nil {
		db.release()
		return nil, err
	}

	logger.Info("database opened",
		zap.String("metric", db.store.Metric().String()),
		zap.Int("dim", db.store.Dim()),
		zap.Int("live", db.store.Len()),
		zap.Uint64("segment_sequence", db.segment.Sequence()),
		zap.Stringer("isa", distance.ActiveISA()),
		zap.Stringer("detected_isa", distance.DetectedISA()),
		zap.Bool("isa_overridden", distance.IsOverridden()))
	metrics.KernelTier.WithLabelValues(distance.ActiveISA().String(), distance.DetectedISA().String()).Set(1)
	db.updateGauges()

	db.wg.Add(1)
	go db.backgroundTasks()
	return db, nil
}

func (db *Database) open() error {
	seg, err := persistence.OpenSegment(filepath.Join(db.opts.DataDir, persistence.SegmentFileName), db.logger)
	if err != nil {
		return err
	}
	db.segment = seg

	cfg := hnsw.Config{
		M:              db.opts.M,
		EfConstruction: db.opts.EfConstruction,
		Seed:           db.opts.Seed,
		Workers:        db.opts.Workers,
	}
	metric, dim := db.opts.Metric, db.opts.Dim
	if h, ok := seg.Header(); ok {
		if h.Metric != metric || (dim != 0 && int(h.Dim) != dim) || int(h.M) != cfg.M || int(h.EfConstruction) != cfg.EfConstruction {
			db.logger.Info("using parameters stored in segment",
				zap.String("metric", h.Metric.String()), zap.Uint32("dim", h.Dim),
				zap.Uint16("m", h.M), zap.Uint16("ef_construction", h.EfConstruction))
		}
		metric, dim = h.Metric, int(h.Dim)
		cfg.M, cfg.EfConstruction = int(h.M), int(h.EfConstruction)
	}

	db.store, err = vector.NewCollection(dim, metric)
	if err != nil {
		return err
	}
	db.index, err = hnsw.New(cfg, db.store, db.logger.Named("hnsw"))
	if err != nil {
		return err
	}
	if err := seg.Load(db.store, db.index, db.opts.VerifyChecksums); err != nil {
		db.logger.Error("segment rejected", zap.Error(err))
		return err
	}

	if err := db.recover(); err != nil {
		return err
	}

	db.optimizer = hnsw.NewOptimizer(db.index, db.opts.Maintenance, db.logger.Named("optimizer"))
	return nil
}

// release closes whatever open() managed to set up.
func (db *Database) release() {
	if db.wal != nil {
		_ = db.wal.Close()
	}
	if db.segment != nil {
		_ = db.segment.Close()
	}
	_ = db.lock.Unlock()
}

// Close stops background work, commits pending changes to the segment and releases
// the directory. Vectors returned by Get stay valid; internal views do not.
func (db *Database) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		close(db.stop)
		db.wg.Wait()

		db.lifeMu.Lock()
		defer db.lifeMu.Unlock()

		if ferr := db.flush(); ferr != nil {
			db.logger.Error("final flush failed, changes remain in the wal", zap.Error(ferr))
			err = ferr
		}
		if werr := db.wal.Close(); werr != nil && err == nil {
			err = types.IOError("close wal", werr)
		}
		if serr := db.segment.Close(); serr != nil && err == nil {
			err = types.IOError("close segment", serr)
		}
		if lerr := db.lock.Unlock(); lerr != nil && err == nil {
			err = types.IOError("unlock data directory", lerr)
		}
		db.logger.Info("database closed")
	})
	return err
}

// backgroundTasks commits dirty state and runs graph maintenance.
func (db *Database) backgroundTasks() {
	defer db.wg.Done()

	var flushC, maintC <-chan time.Time
	if db.opts.AutoFlushInterval > 0 {
		t := time.NewTicker(db.opts.AutoFlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if db.opts.MaintenanceInterval > 0 {
		t := time.NewTicker(db.opts.MaintenanceInterval)
		defer t.Stop()
		maintC = t.C
	}

	for {
		select {
		case <-db.stop:
			return
		case <-flushC:
			if db.dirty.Load() == 0 {
				continue
			}
			if err := db.Flush(); err != nil {
				db.logger.Error("background flush failed", zap.Error(err))
			}
		case <-maintC:
			db.runMaintenance("")
		}
	}
}

func (db *Database) runMaintenance(force string) bool {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed.Load() {
		return false
	}
	// Shared with single writers, excluded from flushes.
	db.writeMu.RLock()
	defer db.writeMu.RUnlock()

	cfg := db.optimizer.GetConfig()
	did := db.optimizer.RunCycle(force)
	if did {
		task := force
		if task == "" {
			task = "scheduled"
		}
		metrics.MaintenanceRuns.WithLabelValues(task).Inc()
		db.logger.Debug("graph maintenance ran", zap.String("task", task), zap.Float64("delete_threshold", cfg.DeleteThreshold))
		db.dirty.Add(1)
	}
	return did
}

// Vacuum strips edges to deleted vectors and reconnects the nodes that lost them.
func (db *Database) Vacuum() bool { return db.runMaintenance(hnsw.TaskVacuum) }

// Refine re-selects the neighbors of the next batch of nodes.
func (db *Database) Refine() bool { return db.runMaintenance(hnsw.TaskRefine) }

// UpdateMaintenance replaces the optimizer settings.
func (db *Database) UpdateMaintenance(cfg hnsw.AutoMaintenanceConfig) {
	db.optimizer.UpdateConfig(cfg)
}

func (db *Database) updateGauges() {
	metrics.LiveVectors.WithLabelValues(db.dataset).Set(float64(db.store.Len()))
	metrics.TombstonedVectors.WithLabelValues(db.dataset).Set(float64(db.store.Tombstones()))
	metrics.SegmentBytes.WithLabelValues(db.dataset).Set(float64(db.segment.FileSize()))
}

func (db *Database) String() string {
	return fmt.Sprintf("zyphyr.Database(%s)", db.dataset)
}
