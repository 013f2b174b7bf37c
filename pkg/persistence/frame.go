// Package persistence implements the on-disk side of a database: the memory-mapped
// segment file holding vectors and graph, the write-ahead log that covers changes
// made since the last segment commit, and the directory lock that keeps a single
// writer per dataset.
package persistence

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/klauspost/crc32"
)

// Constants for the WAL binary protocol.
const (
	// MagicByte is the marker used to identify the start of a valid frame.
	// It helps in scanning for recovery if the file is heavily corrupted.
	MagicByte = 0xA5

	// FrameHeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	FrameHeaderSize = 10

	// maxFramePayload bounds a single frame so that a corrupted length field cannot
	// trigger a huge allocation.
	maxFramePayload = 64 << 20
)

// Frame opcodes.
const (
	OpInsert    byte = 0x01
	OpDelete    byte = 0x02
	OpWALHeader byte = 0x10
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a valid WAL.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended abruptly (e.g., power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// castagnoli is shared by frames, segment header and graph region.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// frameChecksum covers the opcode and the payload.
func frameChecksum(op byte, payload []byte) uint32 {
	c := crc32.Update(0, castagnoli, []byte{op})
	return crc32.Update(c, castagnoli, payload)
}

// AppendFrame encodes one frame onto dst.
// Frame Format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func AppendFrame(dst []byte, op byte, payload []byte) []byte {
	var header [FrameHeaderSize]byte
	header[0] = MagicByte
	header[1] = op
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], frameChecksum(op, payload))
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// FrameWriter handles the safe writing of binary frames to an io.Writer.
type FrameWriter struct {
	w   io.Writer
	buf []byte
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload and writes header and payload in a single call.
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	fw.buf = AppendFrame(fw.buf[:0], op, payload)
	_, err := fw.w.Write(fw.buf)
	return err
}

// ReadFrame reads the next frame from the reader.
// It performs validation of the Magic Byte and the CRC32 Checksum.
// Returns the opcode, the payload, the total bytes read (header + payload), and an error.
func ReadFrame(r io.Reader) (byte, []byte, int, error) {
	header := make([]byte, FrameHeaderSize)

	if _, err := io.ReadFull(r, header); err != nil {
		// EOF exactly at a frame boundary is a clean end of stream.
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		return 0, nil, 0, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return 0, nil, FrameHeaderSize, ErrInvalidMagic
	}

	op := header[1]
	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])
	if length > maxFramePayload {
		return 0, nil, FrameHeaderSize, ErrChecksumMismatch
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		// Even if it's EOF here, it's an error because we expected 'length' bytes.
		return 0, nil, FrameHeaderSize, ErrIncompleteFrame
	}

	if frameChecksum(op, payload) != expectedCRC {
		return 0, nil, FrameHeaderSize + int(length), ErrChecksumMismatch
	}

	return op, payload, FrameHeaderSize + int(length), nil
}
