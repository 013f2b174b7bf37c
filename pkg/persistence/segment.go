package persistence

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/klauspost/crc32"
	"go.uber.org/zap"

	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
	"github.com/sanonone/zyphyr/pkg/storage/mmap"
)

// SegmentFileName is the segment's name inside a data directory.
const SegmentFileName = "segment.zyp"

// compactMinDeadBytes keeps small segments from being rewritten on every flush.
const compactMinDeadBytes = 1 << 20

// Segment owns one segment file. Commits are serialized by the segment; callers
// must keep the collection and the graph free of writers while a commit or a load
// runs so both are captured at the same point.
type Segment struct {
	mu       sync.Mutex
	path     string
	readOnly bool
	id       uuid.UUID
	file     *os.File
	header   *Header // nil until the first commit
	fileEnd  int64
	tombs    *roaring.Bitmap // tombstones already mirrored into record flags
	regions  []*mmap.Region  // every mapping handed out; released on Close
	logger   *zap.Logger
}

// OpenSegment opens the segment at path for writing. A missing file yields an
// empty segment whose file is created by the first Commit.
func OpenSegment(path string, logger *zap.Logger) (*Segment, error) {
	return openSegment(path, false, logger)
}

func openSegment(path string, readOnly bool, logger *zap.Logger) (*Segment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Segment{path: path, readOnly: readOnly, tombs: roaring.New(), logger: logger}

	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if errors.Is(err, os.ErrNotExist) && !readOnly {
		s.id = uuid.New()
		return s, nil
	}
	if err != nil {
		return nil, types.IOError("open segment", err)
	}

	h, size, err := readHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	region, err := mmap.Map(f, int(h.VectorEnd()), false)
	if err != nil {
		_ = f.Close()
		return nil, types.IOError("map vector region", err)
	}

	s.id = h.ID
	s.file = f
	s.header = h
	s.fileEnd = size
	s.regions = append(s.regions, region)
	return s, nil
}

func readHeader(f *os.File) (*Header, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, types.IOError("stat segment", err)
	}
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, types.Corruptedf("segment of %d bytes has no header", info.Size())
		}
		return nil, 0, types.IOError("read segment header", err)
	}
	h, err := ParseHeader(buf, info.Size())
	return h, info.Size(), err
}

// ID returns the segment identity, stable across commits and compactions.
func (s *Segment) ID() uuid.UUID { return s.id }

// Path returns the file path.
func (s *Segment) Path() string { return s.path }

// Header returns the last committed header.
func (s *Segment) Header() (Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return Header{}, false
	}
	return *s.header, true
}

// Sequence returns the number of the last commit, 0 before the first one.
func (s *Segment) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return 0
	}
	return s.header.Sequence
}

// FileSize returns the bytes currently used by the file.
func (s *Segment) FileSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileEnd
}

// Load restores the committed state into an empty collection and graph. Vectors
// are not copied: they are views into the mapped vector region. Any inconsistency
// marks the graph Corrupted and returns ErrCorruptedIndexFile.
func (s *Segment) Load(store *vector.Collection, index *hnsw.Index, verifyRecords bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header == nil {
		return nil
	}
	if err := s.load(store, index, verifyRecords); err != nil {
		index.MarkCorrupted()
		return err
	}
	return nil
}

func (s *Segment) load(store *vector.Collection, index *hnsw.Index, verifyRecords bool) error {
	h := s.header
	if store.Metric() != h.Metric || (store.Dim() != 0 && store.Dim() != int(h.Dim)) {
		return types.InvalidParameterf("segment holds %s vectors of dimension %d", h.Metric, h.Dim)
	}

	tombs, snap, err := readGraph(s.file, h)
	if err != nil {
		return err
	}
	if tombs.GetCardinality()+h.LiveCount != h.Slots {
		return types.Corruptedf("%d tombstones and %d live vectors in %d slots", tombs.GetCardinality(), h.LiveCount, h.Slots)
	}
	if !tombs.IsEmpty() && uint64(tombs.Maximum()) >= h.Slots {
		return types.Corruptedf("tombstone %d outside %d slots", tombs.Maximum(), h.Slots)
	}

	region := s.regions[len(s.regions)-1]
	dim, stride := int(h.Dim), int(h.Stride)
	normalized := h.Metric.RequiresNormalization()

	for iid := uint32(0); uint64(iid) < h.Slots; iid++ {
		rec, err := region.Bytes(pageSize+int(iid)*stride, stride)
		if err != nil {
			return types.Corruptedf("record %d: %v", iid, err)
		}
		rh := decodeRecordHeader(rec)
		dead := tombs.Contains(iid)

		if rh.flags&recordAbsent != 0 {
			if !dead || snap.Nodes[iid].Level >= 0 {
				return types.Corruptedf("record %d is empty but referenced", iid)
			}
			continue
		}
		if rh.flags&recordTombstone != 0 && !dead {
			return types.Corruptedf("record %d is tombstoned but live in commit %d", iid, h.Sequence)
		}
		if (rh.flags&recordNormalized != 0) != normalized {
			return types.Corruptedf("record %d normalization flag does not match metric %s", iid, h.Metric)
		}

		payload := rec[recordHeaderSize : recordHeaderSize+4*dim]
		if verifyRecords && crc32.Checksum(payload, castagnoli) != rh.crc {
			return types.Corruptedf("record %d checksum mismatch", iid)
		}

		var data []float32
		if mmap.NativeLittleEndian {
			data = mmap.BytesToFloat32Slice(payload, dim)
		} else {
			data = make([]float32, dim)
			getFloats(data, payload)
		}
		if err := store.Restore(iid, vector.Wrap(rh.id, data, normalized), dead); err != nil {
			if errors.Is(err, types.ErrCorruptedIndexFile) {
				return err
			}
			return types.Corruptedf("record %d: %v", iid, err)
		}
	}

	if err := index.Restore(snap); err != nil {
		return err
	}
	s.tombs = tombs
	s.logger.Info("segment loaded",
		zap.String("path", s.path),
		zap.Uint64("sequence", h.Sequence),
		zap.Uint64("live", h.LiveCount),
		zap.Uint64("slots", h.Slots))
	return nil
}

// Commit mirrors the collection and graph into the file. New records are written
// past the committed slot count, the graph region is appended, and only then is
// the header rewritten, so a crash at any point leaves the previous commit intact.
// When the vector region is full or too many dead graph bytes have accumulated
// the whole segment is rewritten instead (see Compact).
func (s *Segment) Commit(store *vector.Collection, index *hnsw.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return types.InvalidParameterf("segment opened read-only")
	}
	if store.Dim() == 0 {
		return nil
	}
	if s.header != nil && int(s.header.Dim) != store.Dim() {
		return types.InvalidParameterf("segment dimension %d, collection dimension %d", s.header.Dim, store.Dim())
	}

	snap := index.Snapshot()
	tombs := store.TombstoneSet()
	slots := uint64(store.Slots())

	if s.header == nil || slots > s.header.Capacity || s.shouldCompact() {
		return s.rewrite(store, index, snap, tombs)
	}
	return s.appendCommit(store, index, snap, tombs)
}

// Compact rewrites the segment into a fresh file sized for the current state and
// atomically replaces the old one.
func (s *Segment) Compact(store *vector.Collection, index *hnsw.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOnly {
		return types.InvalidParameterf("segment opened read-only")
	}
	if store.Dim() == 0 {
		return nil
	}
	return s.rewrite(store, index, index.Snapshot(), store.TombstoneSet())
}

func (s *Segment) shouldCompact() bool {
	dead := s.fileEnd - int64(s.header.VectorEnd()) - int64(s.header.GraphLength)
	return dead > compactMinDeadBytes && dead > int64(s.header.GraphLength)
}

func (s *Segment) nextHeader(store *vector.Collection, index *hnsw.Index, snap *hnsw.Snapshot, capacity uint64) *Header {
	cfg := index.Config()
	h := &Header{
		Version:        FormatVersion,
		Dim:            uint32(store.Dim()),
		Metric:         store.Metric(),
		LiveCount:      uint64(store.Len()),
		EntryPoint:     snap.EntryPoint,
		M:              uint16(cfg.M),
		EfConstruction: uint16(cfg.EfConstruction),
		Slots:          uint64(len(snap.Nodes)),
		Capacity:       capacity,
		VectorOffset:   pageSize,
		Stride:         uint32(RecordStride(store.Dim())),
		Sequence:       1,
		ID:             s.id,
	}
	if snap.MaxLevel > 0 {
		h.MaxLevel = uint16(snap.MaxLevel)
	}
	if s.header != nil {
		h.Sequence = s.header.Sequence + 1
	}
	return h
}

func (s *Segment) appendCommit(store *vector.Collection, index *hnsw.Index, snap *hnsw.Snapshot, tombs *roaring.Bitmap) error {
	prev := s.header
	h := s.nextHeader(store, index, snap, prev.Capacity)

	if err := writeRecords(s.file, h, store, tombs, prev.Slots, h.Slots); err != nil {
		return types.IOError("write vector records", err)
	}

	graphOff := (s.fileEnd + 7) &^ 7
	n, crc, err := writeGraph(io.NewOffsetWriter(s.file, graphOff), tombs, snap)
	if err != nil {
		return types.IOError("write graph region", err)
	}
	h.GraphOffset, h.GraphLength, h.GraphCRC = uint64(graphOff), uint64(n), crc

	if err := s.file.Sync(); err != nil {
		return types.IOError("sync segment", err)
	}
	if _, err := s.file.WriteAt(h.MarshalBinary(), 0); err != nil {
		return types.IOError("write segment header", err)
	}
	if err := s.file.Sync(); err != nil {
		return types.IOError("sync segment header", err)
	}

	s.header = h
	s.fileEnd = graphOff + n

	// Records written by earlier commits get their tombstone flag now. The flag
	// is advisory; the committed bitmap is authoritative.
	fresh := roaring.AndNot(tombs, s.tombs)
	it := fresh.Iterator()
	for it.HasNext() {
		iid := it.Next()
		if uint64(iid) >= prev.Slots {
			break
		}
		if err := markTombstone(s.file, h, iid); err != nil {
			s.logger.Warn("tombstone flag not written", zap.Uint32("slot", iid), zap.Error(err))
			break
		}
	}
	s.tombs = tombs

	s.logger.Debug("segment committed",
		zap.Uint64("sequence", h.Sequence),
		zap.Uint64("new_records", h.Slots-prev.Slots),
		zap.Int64("graph_bytes", n))
	return nil
}

func (s *Segment) rewrite(store *vector.Collection, index *hnsw.Index, snap *hnsw.Snapshot, tombs *roaring.Bitmap) error {
	slots := uint64(len(snap.Nodes))
	capacity := uint64(minCapacity)
	for capacity < slots*2 {
		capacity *= 2
	}
	h := s.nextHeader(store, index, snap, capacity)

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return types.IOError("create segment", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	vecEnd := int64(h.VectorEnd())
	if err := f.Truncate(vecEnd); err != nil {
		return types.IOError("size segment", err)
	}
	if err := writeRecords(f, h, store, tombs, 0, slots); err != nil {
		return types.IOError("write vector records", err)
	}
	n, crc, err := writeGraph(io.NewOffsetWriter(f, vecEnd), tombs, snap)
	if err != nil {
		return types.IOError("write graph region", err)
	}
	h.GraphOffset, h.GraphLength, h.GraphCRC = uint64(vecEnd), uint64(n), crc
	if _, err := f.WriteAt(h.MarshalBinary(), 0); err != nil {
		return types.IOError("write segment header", err)
	}
	if err := f.Sync(); err != nil {
		return types.IOError("sync segment", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return types.IOError("replace segment", err)
	}
	committed = true
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		s.logger.Warn("directory sync failed", zap.String("dir", filepath.Dir(s.path)), zap.Error(err))
	}

	// Views into the old file stay valid: its mapping is kept until Close.
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = f
	s.header = h
	s.fileEnd = vecEnd + n
	s.tombs = tombs

	s.logger.Info("segment rewritten",
		zap.String("path", s.path),
		zap.Uint64("sequence", h.Sequence),
		zap.Uint64("slots", slots),
		zap.Uint64("capacity", capacity),
		zap.Int64("bytes", s.fileEnd))
	return nil
}

// writeRecords encodes slots [from, to) and writes them in large chunks.
func writeRecords(f *os.File, h *Header, store *vector.Collection, tombs *roaring.Bitmap, from, to uint64) error {
	stride := uint64(h.Stride)
	perChunk := max(uint64(1), (1<<20)/stride)
	buf := make([]byte, perChunk*stride)

	for start := from; start < to; start += perChunk {
		end := min(start+perChunk, to)
		for iid := start; iid < end; iid++ {
			k := (iid - start) * stride
			encodeRecord(buf[k:k+stride], store.VectorAt(uint32(iid)), tombs.Contains(uint32(iid)))
		}
		off := int64(h.VectorOffset + start*stride)
		if _, err := f.WriteAt(buf[:(end-start)*stride], off); err != nil {
			return err
		}
	}
	return nil
}

func markTombstone(f *os.File, h *Header, iid uint32) error {
	off := int64(h.VectorOffset+uint64(iid)*uint64(h.Stride)) + 8
	var b [4]byte
	if _, err := f.ReadAt(b[:], off); err != nil {
		return err
	}
	b[0] |= byte(recordTombstone)
	_, err := f.WriteAt(b[:], off)
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Close releases the mappings and the file. Vectors loaded from this segment
// must not be used afterwards.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, r := range s.regions {
		errs = append(errs, r.Close())
	}
	s.regions = nil
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	return nil
}
