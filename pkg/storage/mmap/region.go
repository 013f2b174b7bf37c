// Package mmap maps segment files into memory and exposes typed zero-copy views
// over the mapped bytes.
package mmap

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"
)

// ErrClosed is returned by accessors of a released region.
var ErrClosed = errors.New("mmap: region closed")

// Region is a mapping of the first Len bytes of a file. Views handed out by Bytes
// and Float32s stay valid until Close; the file itself may be closed, renamed or
// replaced in the meantime since the mapping keeps the inode alive.
type Region struct {
	mu       sync.RWMutex
	data     []byte
	writable bool
}

// Map maps size bytes of f starting at offset 0. The file must already be at
// least size bytes long.
func Map(f *os.File, size int, writable bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: invalid size %d", size)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(size) {
		return nil, fmt.Errorf("mmap: file %s is %d bytes, mapping needs %d", f.Name(), info.Size(), size)
	}
	data, err := mmapFile(f.Fd(), size, writable)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return &Region{data: data, writable: writable}, nil
}

// Len returns the mapped length, or 0 once closed.
func (r *Region) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Writable reports whether the mapping was created read-write.
func (r *Region) Writable() bool { return r.writable }

// Bytes returns the n bytes at off.
func (r *Region) Bytes(off, n int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(r.data) {
		return nil, fmt.Errorf("mmap: range [%d, %d) outside region of %d bytes", off, off+n, len(r.data))
	}
	return r.data[off : off+n : off+n], nil
}

// Float32s returns a view of n float32 values at off. off must be 4-byte aligned
// relative to the page-aligned mapping.
func (r *Region) Float32s(off, n int) ([]float32, error) {
	if off%4 != 0 {
		return nil, fmt.Errorf("mmap: float32 view at unaligned offset %d", off)
	}
	b, err := r.Bytes(off, n*4)
	if err != nil {
		return nil, err
	}
	return BytesToFloat32Slice(b, n), nil
}

// Close unmaps the region. Outstanding views must no longer be used.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	err := munmapFile(r.data)
	r.data = nil
	return err
}

// --- ZERO-COPY CASTING HELPERS ---

// BytesToFloat32Slice casts a byte slice directly to a float32 slice without copying.
func BytesToFloat32Slice(b []byte, n int) []float32 {
	if len(b) == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

// Float32SliceToBytes is the inverse view, used to write vectors without encoding.
func Float32SliceToBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

// NativeLittleEndian reports whether the host stores float32 little-endian, which
// is the on-disk order. Zero-copy views are only valid when it does.
var NativeLittleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()
