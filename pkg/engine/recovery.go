package engine

import (
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/metrics"
	"github.com/sanonone/zyphyr/pkg/persistence"
)

// recover replays the write-ahead log on top of the loaded segment, commits the
// result and rebinds a fresh log to the committed segment.
//
// A log is applied only when it continues the segment: same segment id and same
// commit sequence. A lower sequence means the crash hit after the segment commit
// but before the log was restarted, so every record is already in the segment.
func (db *Database) recover() error {
	start := time.Now()
	walPath := filepath.Join(db.opts.DataDir, WALFileName)
	_, committed := db.segment.Header()
	segID, segSeq := db.segment.ID(), db.segment.Sequence()

	check := func(h persistence.WALHeader) (bool, error) {
		if !committed {
			// Nothing was ever committed, so the log must predate the first commit.
			if h.Sequence != 0 {
				return false, types.Corruptedf("wal continues commit %d but the segment is missing", h.Sequence)
			}
			return true, nil
		}
		switch {
		case h.SegmentID != segID:
			return false, types.Corruptedf("wal belongs to segment %s, found %s", h.SegmentID, segID)
		case h.Sequence < segSeq:
			db.logger.Info("skipping stale wal", zap.Uint64("wal_sequence", h.Sequence), zap.Uint64("segment_sequence", segSeq))
			return false, nil
		case h.Sequence > segSeq:
			return false, types.Corruptedf("wal continues commit %d, segment is at %d", h.Sequence, segSeq)
		}
		return true, nil
	}

	apply := func(rec persistence.Record) error {
		var err error
		switch rec.Op {
		case persistence.OpInsert:
			err = db.index.Insert(rec.ID, rec.Vector)
		case persistence.OpDelete:
			err = db.index.Delete(rec.ID)
		default:
			return types.Corruptedf("unexpected wal opcode 0x%02x", rec.Op)
		}
		switch {
		case err == nil, errors.Is(err, types.ErrDuplicateID), errors.Is(err, types.ErrNotFound):
			return nil
		case errors.Is(err, types.ErrDimensionMismatch), errors.Is(err, types.ErrInvalidParameter):
			return types.Corruptedf("wal record for id %d: %v", rec.ID, err)
		default:
			return err
		}
	}

	res, err := persistence.ReplayWAL(walPath, check, apply)
	if err != nil {
		db.logger.Error("wal replay failed", zap.Error(err))
		return err
	}
	if res.TornBytes > 0 {
		db.logger.Warn("discarding torn wal tail",
			zap.Int64("valid_bytes", res.ValidSize), zap.Int64("torn_bytes", res.TornBytes))
	}

	if res.Records > 0 {
		db.logger.Info("wal replayed",
			zap.Int("records", res.Records),
			zap.Int("live", db.store.Len()),
			zap.Duration("took", time.Since(start)))
		if err := db.segment.Commit(db.store, db.index); err != nil {
			return err
		}
		metrics.SegmentCommits.WithLabelValues(db.dataset, "ok").Inc()
	}

	w, err := persistence.OpenWAL(walPath)
	if err != nil {
		return types.IOError("open wal", err)
	}
	if err := w.Reset(persistence.WALHeader{SegmentID: db.segment.ID(), Sequence: db.segment.Sequence()}); err != nil {
		_ = w.Close()
		return types.IOError("reset wal", err)
	}
	db.wal = persistence.NewLazyWAL(w, db.opts.WAL, db.logger.Named("wal"))
	return nil
}
