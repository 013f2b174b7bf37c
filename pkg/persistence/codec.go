package persistence

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/crc32"

	"github.com/sanonone/zyphyr/pkg/core/hnsw"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/storage/mmap"
)

// Graph region layout (little endian, covered by the header's graph crc):
//
//	u32 tombstone bitmap length, roaring bitmap bytes
//	u32 node count (== slot count)
//	per node: u16 level (0xFFFF: no node), then for each level 0..level:
//	          u32 neighbor count, count x (u32 internal id, f32 cached distance)
const absentLevel = 0xFFFF

func putFloats(dst []byte, src []float32) {
	if mmap.NativeLittleEndian {
		copy(dst, mmap.Float32SliceToBytes(src))
		return
	}
	for i, f := range src {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(f))
	}
}

func getFloats(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
}

// countingWriter tracks bytes and checksum of everything written through it.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	crc uint32
	err error
	tmp [8]byte
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.crc = crc32.Update(c.crc, castagnoli, p[:n])
	c.err = err
	return n, err
}

func (c *countingWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(c.tmp[:2], v)
	_, _ = c.Write(c.tmp[:2])
}

func (c *countingWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(c.tmp[:4], v)
	_, _ = c.Write(c.tmp[:4])
}

// writeGraph streams the graph region to w and returns its length and checksum.
func writeGraph(w io.Writer, tombs *roaring.Bitmap, snap *hnsw.Snapshot) (int64, uint32, error) {
	cw := &countingWriter{w: bufio.NewWriterSize(w, 1<<20)}

	bm, err := tombs.ToBytes()
	if err != nil {
		return 0, 0, err
	}
	cw.u32(uint32(len(bm)))
	_, _ = cw.Write(bm)

	cw.u32(uint32(len(snap.Nodes)))
	for _, ns := range snap.Nodes {
		if ns.Level < 0 {
			cw.u16(absentLevel)
			continue
		}
		cw.u16(uint16(ns.Level))
		for _, list := range ns.Layers {
			cw.u32(uint32(len(list)))
			for _, nb := range list {
				cw.u32(nb.ID)
				cw.u32(math.Float32bits(nb.Distance))
			}
		}
	}
	if cw.err != nil {
		return 0, 0, cw.err
	}
	if err := cw.w.Flush(); err != nil {
		return 0, 0, err
	}
	return cw.n, cw.crc, nil
}

// graphDecoder reads fixed-width fields and remembers the first error.
type graphDecoder struct {
	r   *bufio.Reader
	err error
	tmp [8]byte
}

func (d *graphDecoder) read(n int) []byte {
	if d.err != nil {
		return d.tmp[:n]
	}
	if _, err := io.ReadFull(d.r, d.tmp[:n]); err != nil {
		d.err = types.Corruptedf("graph region truncated")
	}
	return d.tmp[:n]
}

func (d *graphDecoder) u16() uint16 { return binary.LittleEndian.Uint16(d.read(2)) }
func (d *graphDecoder) u32() uint32 { return binary.LittleEndian.Uint32(d.read(4)) }

// readGraph checks the graph region's checksum and decodes it.
func readGraph(r io.ReaderAt, h *Header) (*roaring.Bitmap, *hnsw.Snapshot, error) {
	section := io.NewSectionReader(r, int64(h.GraphOffset), int64(h.GraphLength))
	hasher := crc32.New(castagnoli)
	if _, err := io.Copy(hasher, section); err != nil {
		return nil, nil, types.IOError("read graph region", err)
	}
	if got := hasher.Sum32(); got != h.GraphCRC {
		return nil, nil, types.Corruptedf("graph region checksum mismatch (stored %08x, computed %08x)", h.GraphCRC, got)
	}

	if _, err := section.Seek(0, io.SeekStart); err != nil {
		return nil, nil, types.IOError("seek graph region", err)
	}
	d := &graphDecoder{r: bufio.NewReaderSize(section, 1<<20)}

	bmLen := d.u32()
	if d.err != nil {
		return nil, nil, d.err
	}
	if uint64(bmLen) > h.GraphLength {
		return nil, nil, types.Corruptedf("tombstone bitmap of %d bytes in a %d byte region", bmLen, h.GraphLength)
	}
	bm := make([]byte, bmLen)
	if _, err := io.ReadFull(d.r, bm); err != nil {
		return nil, nil, types.Corruptedf("graph region truncated")
	}
	tombs := roaring.New()
	if err := tombs.UnmarshalBinary(bm); err != nil {
		return nil, nil, types.Corruptedf("tombstone bitmap: %v", err)
	}

	count := d.u32()
	if d.err == nil && uint64(count) != h.Slots {
		return nil, nil, types.Corruptedf("graph has %d nodes for %d slots", count, h.Slots)
	}
	maxList := uint32(h.M) * 2

	snap := &hnsw.Snapshot{EntryPoint: h.EntryPoint, MaxLevel: int(h.MaxLevel), Nodes: make([]hnsw.NodeSnapshot, count)}
	if h.EntryPoint < 0 {
		snap.MaxLevel = -1
	}
	for i := range snap.Nodes {
		level := d.u16()
		if d.err != nil {
			return nil, nil, d.err
		}
		if level == absentLevel {
			snap.Nodes[i] = hnsw.NodeSnapshot{Level: -1}
			continue
		}
		if int(level) > hnsw.MaxLevel {
			return nil, nil, types.Corruptedf("node %d has level %d", i, level)
		}
		layers := make([][]hnsw.Neighbor, int(level)+1)
		for l := range layers {
			n := d.u32()
			if d.err != nil {
				return nil, nil, d.err
			}
			if n > maxList {
				return nil, nil, types.Corruptedf("node %d level %d lists %d neighbors", i, l, n)
			}
			list := make([]hnsw.Neighbor, n)
			for j := range list {
				list[j] = hnsw.Neighbor{ID: d.u32(), Distance: math.Float32frombits(d.u32())}
			}
			layers[l] = list
		}
		if d.err != nil {
			return nil, nil, d.err
		}
		snap.Nodes[i] = hnsw.NodeSnapshot{Level: int(level), Layers: layers}
	}
	return tombs, snap, nil
}
