package persistence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrWALClosed is returned by writes after Close.
var ErrWALClosed = errors.New("write-ahead log is closed")

// LazyWAL batches frames in memory and hands them to the WAL periodically.
//
// Durability: frames reach the OS every FlushInterval (or as soon as MaxBufferSize
// frames are pending) and are fsynced every SyncInterval. A crash can lose at most
// about one SyncInterval of acknowledged writes; Close flushes and syncs everything.
type LazyWAL struct {
	underlying *WAL
	logger     *zap.Logger

	mu      sync.Mutex
	pending []byte // encoded frames
	count   int
	stopped bool

	flushTicker *time.Ticker
	syncTicker  *time.Ticker
	flushCh     chan struct{} // capacity 1; a full buffer coalesces requests
	stopCh      chan struct{}
	done        sync.WaitGroup

	cfg LazyWALConfig
}

// LazyWALConfig tunes the durability/throughput trade-off.
type LazyWALConfig struct {
	FlushInterval time.Duration
	SyncInterval  time.Duration
	MaxBufferSize int
}

const (
	// DefaultLazyFlushInterval is the default time between buffer flushes to the OS.
	DefaultLazyFlushInterval = 100 * time.Millisecond
	// DefaultForceSyncInterval is the default time between forced fsync operations.
	DefaultForceSyncInterval = 1 * time.Second
	// DefaultMaxBufferSize is the default maximum number of pending frames.
	DefaultMaxBufferSize = 1000
)

// DefaultLazyWALConfig returns the default intervals.
func DefaultLazyWALConfig() LazyWALConfig {
	return LazyWALConfig{
		FlushInterval: DefaultLazyFlushInterval,
		SyncInterval:  DefaultForceSyncInterval,
		MaxBufferSize: DefaultMaxBufferSize,
	}
}

// NewLazyWAL wraps w. The WAL must not be used directly afterwards.
func NewLazyWAL(w *WAL, cfg LazyWALConfig, logger *zap.Logger) *LazyWAL {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultLazyWALConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = def.MaxBufferSize
	}

	lw := &LazyWAL{
		underlying:  w,
		logger:      logger,
		cfg:         cfg,
		flushCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		flushTicker: time.NewTicker(cfg.FlushInterval),
		syncTicker:  time.NewTicker(cfg.SyncInterval),
	}
	lw.done.Add(1)
	go lw.loop()

	logger.Debug("lazy wal started",
		zap.String("path", w.Path()),
		zap.Duration("flush_interval", cfg.FlushInterval),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Int("max_buffer_size", cfg.MaxBufferSize))
	return lw
}

// Append queues one frame and returns without touching the disk. Reaching
// MaxBufferSize asks the background loop for an immediate flush; at most one
// such request is outstanding at a time.
func (lw *LazyWAL) Append(op byte, payload []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.stopped {
		return ErrWALClosed
	}
	lw.pending = AppendFrame(lw.pending, op, payload)
	lw.count++

	if lw.count >= lw.cfg.MaxBufferSize {
		select {
		case lw.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush writes pending frames to the OS (not necessarily to disk).
func (lw *LazyWAL) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.flushLocked()
}

func (lw *LazyWAL) flushLocked() error {
	if lw.count == 0 {
		return nil
	}
	if err := lw.underlying.appendEncoded(lw.pending); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := lw.underlying.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %w", err)
	}
	lw.pending = lw.pending[:0]
	lw.count = 0
	return nil
}

// Sync flushes pending frames and fsyncs the file.
func (lw *LazyWAL) Sync() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Sync()
}

// Reset drops pending frames and restarts the log from h.
func (lw *LazyWAL) Reset(h WALHeader) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.pending = lw.pending[:0]
	lw.count = 0
	return lw.underlying.Reset(h)
}

// Close stops the background loop, flushes, syncs and closes the file.
func (lw *LazyWAL) Close() error {
	lw.mu.Lock()
	if lw.stopped {
		lw.mu.Unlock()
		return ErrWALClosed
	}
	lw.stopped = true
	lw.mu.Unlock()

	close(lw.stopCh)
	lw.done.Wait()
	lw.flushTicker.Stop()
	lw.syncTicker.Stop()

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.flushLocked(); err != nil {
		lw.logger.Error("wal flush during close failed", zap.Error(err))
	}
	if err := lw.underlying.Sync(); err != nil {
		_ = lw.underlying.Close()
		return err
	}
	return lw.underlying.Close()
}

// Path returns the file path of the underlying log.
func (lw *LazyWAL) Path() string { return lw.underlying.Path() }

// Size returns the bytes written to the underlying log, excluding pending frames.
func (lw *LazyWAL) Size() int64 { return lw.underlying.Size() }

// Pending returns the number of frames not yet handed to the OS.
func (lw *LazyWAL) Pending() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.count
}

func (lw *LazyWAL) loop() {
	defer lw.done.Done()
	for {
		select {
		case <-lw.flushTicker.C:
			if err := lw.Flush(); err != nil {
				lw.logger.Error("periodic wal flush failed", zap.Error(err))
			}
		case <-lw.flushCh:
			if err := lw.Flush(); err != nil {
				lw.logger.Error("wal flush failed", zap.Error(err))
			}
		case <-lw.syncTicker.C:
			if err := lw.Sync(); err != nil {
				lw.logger.Error("periodic wal sync failed", zap.Error(err))
			}
		case <-lw.stopCh:
			return
		}
	}
}
