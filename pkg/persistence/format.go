package persistence

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/klauspost/crc32"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
)

// Segment file layout:
//
//	[0, 128)                  header (see below), rest of the first page reserved
//	[4096, 4096+cap*stride)   vector region: one fixed-stride record per internal index
//	[graphOffset, +graphLen)  graph region of the latest commit
//
// Header fields (little endian):
//
//	0   magic "ZYPH"          4   version u32         8   dimension u32
//	12  metric u8             16  live count u64      24  entry point i64 (-1 empty)
//	32  max level u16         34  M u16               36  efConstruction u16
//	40  slot count u64        48  capacity u64        56  vector offset u64
//	64  record stride u32     68  graph crc u32       72  graph offset u64
//	80  graph length u64      88  commit sequence u64 96  segment uuid [16]
//	124 header crc u32 over [0, 124)
//
// A record is a 32 byte header (id u64, flags u32, data crc u32, reserved) followed
// by the components padded to the vector alignment, so every payload starts on a
// 32 byte boundary of the page-aligned mapping.
const (
	SegmentMagic  = "ZYPH"
	FormatVersion = 1

	HeaderSize       = 128
	headerCRCOffset  = 124
	pageSize         = 4096
	recordHeaderSize = 32

	minCapacity = 1024
)

// Record flags.
const (
	recordNormalized uint32 = 1 << 0
	recordTombstone  uint32 = 1 << 1
	recordAbsent     uint32 = 1 << 2
)

// Header is the decoded segment header.
type Header struct {
	Version        uint32
	Dim            uint32
	Metric         distance.Metric
	LiveCount      uint64
	EntryPoint     int64
	MaxLevel       uint16
	M              uint16
	EfConstruction uint16
	Slots          uint64
	Capacity       uint64
	VectorOffset   uint64
	Stride         uint32
	GraphCRC       uint32
	GraphOffset    uint64
	GraphLength    uint64
	Sequence       uint64
	ID             uuid.UUID
}

// RecordStride returns the byte size of one vector record for dim.
func RecordStride(dim int) int {
	return recordHeaderSize + vector.PadDimension(dim)*4
}

// VectorEnd is the first byte after the vector region.
func (h *Header) VectorEnd() uint64 {
	return h.VectorOffset + h.Capacity*uint64(h.Stride)
}

// MarshalBinary encodes the header into its fixed 128 byte form.
func (h *Header) MarshalBinary() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:4], SegmentMagic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.Dim)
	b[12] = byte(h.Metric)
	binary.LittleEndian.PutUint64(b[16:24], h.LiveCount)
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.EntryPoint))
	binary.LittleEndian.PutUint16(b[32:34], h.MaxLevel)
	binary.LittleEndian.PutUint16(b[34:36], h.M)
	binary.LittleEndian.PutUint16(b[36:38], h.EfConstruction)
	binary.LittleEndian.PutUint64(b[40:48], h.Slots)
	binary.LittleEndian.PutUint64(b[48:56], h.Capacity)
	binary.LittleEndian.PutUint64(b[56:64], h.VectorOffset)
	binary.LittleEndian.PutUint32(b[64:68], h.Stride)
	binary.LittleEndian.PutUint32(b[68:72], h.GraphCRC)
	binary.LittleEndian.PutUint64(b[72:80], h.GraphOffset)
	binary.LittleEndian.PutUint64(b[80:88], h.GraphLength)
	binary.LittleEndian.PutUint64(b[88:96], h.Sequence)
	copy(b[96:112], h.ID[:])
	binary.LittleEndian.PutUint32(b[headerCRCOffset:], crc32.Checksum(b[:headerCRCOffset], castagnoli))
	return b
}

// ParseHeader decodes and checks a header read from a file of fileSize bytes.
// Every failure is ErrCorruptedIndexFile.
func ParseHeader(b []byte, fileSize int64) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, types.Corruptedf("header truncated (%d bytes)", len(b))
	}
	if string(b[0:4]) != SegmentMagic {
		return nil, types.Corruptedf("bad magic %q", b[0:4])
	}
	if got, want := binary.LittleEndian.Uint32(b[headerCRCOffset:]), crc32.Checksum(b[:headerCRCOffset], castagnoli); got != want {
		return nil, types.Corruptedf("header checksum mismatch (stored %08x, computed %08x)", got, want)
	}

	h := &Header{
		Version:        binary.LittleEndian.Uint32(b[4:8]),
		Dim:            binary.LittleEndian.Uint32(b[8:12]),
		Metric:         distance.Metric(b[12]),
		LiveCount:      binary.LittleEndian.Uint64(b[16:24]),
		EntryPoint:     int64(binary.LittleEndian.Uint64(b[24:32])),
		MaxLevel:       binary.LittleEndian.Uint16(b[32:34]),
		M:              binary.LittleEndian.Uint16(b[34:36]),
		EfConstruction: binary.LittleEndian.Uint16(b[36:38]),
		Slots:          binary.LittleEndian.Uint64(b[40:48]),
		Capacity:       binary.LittleEndian.Uint64(b[48:56]),
		VectorOffset:   binary.LittleEndian.Uint64(b[56:64]),
		Stride:         binary.LittleEndian.Uint32(b[64:68]),
		GraphCRC:       binary.LittleEndian.Uint32(b[68:72]),
		GraphOffset:    binary.LittleEndian.Uint64(b[72:80]),
		GraphLength:    binary.LittleEndian.Uint64(b[80:88]),
		Sequence:       binary.LittleEndian.Uint64(b[88:96]),
	}
	copy(h.ID[:], b[96:112])

	if err := h.validate(fileSize); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) validate(fileSize int64) error {
	switch {
	case h.Version != FormatVersion:
		return types.Corruptedf("unsupported format version %d", h.Version)
	case h.Dim == 0:
		return types.Corruptedf("zero dimension")
	case !h.Metric.Valid():
		return types.Corruptedf("unknown metric tag %d", uint8(h.Metric))
	case h.Stride != uint32(RecordStride(int(h.Dim))):
		return types.Corruptedf("record stride %d does not match dimension %d", h.Stride, h.Dim)
	case h.VectorOffset != pageSize:
		return types.Corruptedf("vector region at %d", h.VectorOffset)
	case h.Slots > h.Capacity || h.Slots > uint64(^uint32(0)):
		return types.Corruptedf("%d slots in a region of capacity %d", h.Slots, h.Capacity)
	case h.LiveCount > h.Slots:
		return types.Corruptedf("live count %d exceeds %d slots", h.LiveCount, h.Slots)
	case h.EntryPoint < -1 || h.EntryPoint >= int64(h.Slots):
		return types.Corruptedf("entry point %d outside %d slots", h.EntryPoint, h.Slots)
	case h.EntryPoint == -1 && h.LiveCount > 0:
		return types.Corruptedf("no entry point for %d live vectors", h.LiveCount)
	case h.M < 2:
		return types.Corruptedf("M = %d", h.M)
	case h.GraphOffset < h.VectorEnd():
		return types.Corruptedf("graph region at %d overlaps vector region ending at %d", h.GraphOffset, h.VectorEnd())
	case h.GraphOffset+h.GraphLength > uint64(fileSize):
		return types.Corruptedf("graph region [%d, %d) past end of file (%d bytes)", h.GraphOffset, h.GraphOffset+h.GraphLength, fileSize)
	}
	return nil
}

// encodeRecord fills dst (one stride) with v.
func encodeRecord(dst []byte, v *vector.Vector, tombstoned bool) {
	clear(dst)
	if v == nil {
		binary.LittleEndian.PutUint32(dst[8:12], recordAbsent|recordTombstone)
		return
	}
	var flags uint32
	if v.Normalized() {
		flags |= recordNormalized
	}
	if tombstoned {
		flags |= recordTombstone
	}
	payload := dst[recordHeaderSize : recordHeaderSize+4*v.Dim()]
	putFloats(payload, v.Data())

	binary.LittleEndian.PutUint64(dst[0:8], v.ID)
	binary.LittleEndian.PutUint32(dst[8:12], flags)
	binary.LittleEndian.PutUint32(dst[12:16], crc32.Checksum(payload, castagnoli))
}

type recordHeader struct {
	id    uint64
	flags uint32
	crc   uint32
}

func decodeRecordHeader(b []byte) recordHeader {
	return recordHeader{
		id:    binary.LittleEndian.Uint64(b[0:8]),
		flags: binary.LittleEndian.Uint32(b[8:12]),
		crc:   binary.LittleEndian.Uint32(b[12:16]),
	}
}
