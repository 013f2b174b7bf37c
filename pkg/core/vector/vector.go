// Package vector implements the vector store: immutable aligned vector records and
// the collection that maps caller-supplied ids to dense internal indexes.
//
// Internal indexes are never reused or reordered while the collection lives, since
// the graph stores edges by internal index. Removal marks a tombstone instead.
package vector

import (
	"unsafe"

	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/types"
)

// Alignment is the byte boundary vector payloads start on. It matches one AVX2
// register so every tier can load full lanes from the first component.
const Alignment = 32

const floatsPerAlignment = Alignment / 4

// PadDimension rounds dim up to a whole number of aligned lanes.
func PadDimension(dim int) int {
	return (dim + floatsPerAlignment - 1) / floatsPerAlignment * floatsPerAlignment
}

// Vector is an immutable record. Data must never be written after construction;
// updates are expressed as delete followed by insert.
type Vector struct {
	// ID is the caller-supplied identifier.
	ID uint64

	data       []float32
	normalized bool
}

// New copies data into aligned, padded storage. When normalize is true the copy
// is scaled to unit length and flagged as normalized (a zero vector stays zero).
func New(id uint64, data []float32, normalize bool) (*Vector, error) {
	if len(data) == 0 {
		return nil, types.ErrEmptyVector
	}
	buf := alignedFloats(PadDimension(len(data)))
	v := buf[:len(data):len(data)]
	copy(v, data)
	if normalize {
		distance.Normalize(v)
	}
	return &Vector{ID: id, data: v, normalized: normalize}, nil
}

// Wrap builds a Vector around data without copying. It is used for payloads that
// live in a mapped segment; the caller guarantees data outlives the Vector.
func Wrap(id uint64, data []float32, normalized bool) *Vector {
	return &Vector{ID: id, data: data[:len(data):len(data)], normalized: normalized}
}

// Data returns the components. The slice must be treated as read-only.
func (v *Vector) Data() []float32 { return v.data }

// Dim returns the number of components.
func (v *Vector) Dim() int { return len(v.data) }

// Normalized reports whether the vector is stored at unit length.
func (v *Vector) Normalized() bool { return v.normalized }

// Operand returns the vector in the form the distance engine consumes.
func (v *Vector) Operand() distance.Operand {
	return distance.Operand{Data: v.data, Normalized: v.normalized}
}

// IsAligned reports whether the first component sits on an Alignment boundary.
func (v *Vector) IsAligned() bool {
	if len(v.data) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&v.data[0]))%Alignment == 0
}

// MemoryUsage returns the bytes attributable to this record, padding included.
func (v *Vector) MemoryUsage() int {
	return int(unsafe.Sizeof(*v)) + PadDimension(len(v.data))*4
}

// alignedFloats returns a zeroed slice of n float32 whose first element is
// Alignment-aligned. The Go allocator only guarantees 8 bytes for []float32, so the
// backing array is over-allocated and offset.
func alignedFloats(n int) []float32 {
	raw := make([]float32, n+floatsPerAlignment)
	off := 0
	if addr := uintptr(unsafe.Pointer(&raw[0])); addr%Alignment != 0 {
		off = int((Alignment - addr%Alignment) / 4)
	}
	return raw[off : off+n : off+n]
}
