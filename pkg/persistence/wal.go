package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/google/uuid"
)

// WALHeader is the first frame of every log. It names the segment commit the log
// continues from: records are only replayed on top of that exact commit.
type WALHeader struct {
	SegmentID uuid.UUID
	Sequence  uint64
}

const walHeaderPayload = 16 + 8

func (h WALHeader) encode() []byte {
	b := make([]byte, walHeaderPayload)
	copy(b[:16], h.SegmentID[:])
	binary.LittleEndian.PutUint64(b[16:], h.Sequence)
	return b
}

func decodeWALHeader(b []byte) (WALHeader, error) {
	if len(b) != walHeaderPayload {
		return WALHeader{}, fmt.Errorf("wal header payload is %d bytes", len(b))
	}
	var h WALHeader
	copy(h.SegmentID[:], b[:16])
	h.Sequence = binary.LittleEndian.Uint64(b[16:])
	return h, nil
}

// Record is one logged mutation.
type Record struct {
	Op     byte
	ID     uint64
	Vector []float32
}

// EncodeInsert builds the payload of an insert frame: id, dimension, components.
func EncodeInsert(id uint64, vec []float32) []byte {
	b := make([]byte, 12+4*len(vec))
	binary.LittleEndian.PutUint64(b[0:8], id)
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(vec)))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[12+4*i:], math.Float32bits(f))
	}
	return b
}

// EncodeDelete builds the payload of a delete frame.
func EncodeDelete(id uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, id)
	return b
}

func decodeRecord(op byte, payload []byte) (Record, error) {
	switch op {
	case OpInsert:
		if len(payload) < 12 {
			return Record{}, fmt.Errorf("insert frame of %d bytes", len(payload))
		}
		dim := binary.LittleEndian.Uint32(payload[8:12])
		if uint64(len(payload)) != 12+4*uint64(dim) {
			return Record{}, fmt.Errorf("insert frame of %d bytes for dimension %d", len(payload), dim)
		}
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[12+4*i:]))
		}
		return Record{Op: op, ID: binary.LittleEndian.Uint64(payload[0:8]), Vector: vec}, nil
	case OpDelete:
		if len(payload) != 8 {
			return Record{}, fmt.Errorf("delete frame of %d bytes", len(payload))
		}
		return Record{Op: op, ID: binary.LittleEndian.Uint64(payload)}, nil
	default:
		return Record{}, fmt.Errorf("unknown opcode 0x%02x", op)
	}
}

// WAL manages writing to the write-ahead log.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	fw   *FrameWriter
	path string
	size int64
}

// OpenWAL opens or creates the log at path. New frames are appended.
func OpenWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	buf := bufio.NewWriterSize(file, 64*1024)
	return &WAL{
		file: file,
		buf:  buf,
		fw:   NewFrameWriter(buf),
		path: path,
		size: info.Size(),
	}, nil
}

// Append writes one frame into the buffer.
func (w *WAL) Append(op byte, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fw.WriteFrame(op, payload); err != nil {
		return err
	}
	w.size += int64(FrameHeaderSize + len(payload))
	return nil
}

// appendEncoded writes frames that were already encoded with AppendFrame.
func (w *WAL) appendEncoded(frames []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.buf.Write(frames)
	w.size += int64(n)
	return err
}

// Flush forces the buffer contents to be written to the os file descriptor.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Sync flushes and fsyncs.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close flushes the buffer and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// Reset discards the log content and starts a new log continuing from h. Buffered
// frames are dropped: they describe state the caller just committed elsewhere.
func (w *WAL) Reset(h WALHeader) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset(w.file)
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	w.size = 0
	if err := w.fw.WriteFrame(OpWALHeader, h.encode()); err != nil {
		return err
	}
	w.size = FrameHeaderSize + walHeaderPayload
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Truncate cuts the log to size bytes; replay uses it to drop a torn tail.
func (w *WAL) Truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(size); err != nil {
		return err
	}
	w.size = size
	return w.file.Sync()
}

// Path returns the file path.
func (w *WAL) Path() string { return w.path }

// Size returns the logical size including buffered frames.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}
