// Package slab provides a growable array of atomically published pointers.
//
// Slots live in fixed-size segments that are never moved once allocated, so a
// reader holding a *T obtained from Load keeps a valid reference while writers
// grow the array concurrently. Readers take no locks.
package slab

import (
	"sync"
	"sync/atomic"
)

const (
	segmentBits = 12
	segmentSize = 1 << segmentBits
	segmentMask = segmentSize - 1
)

type segment[T any] [segmentSize]atomic.Pointer[T]

// Slab is a segmented array indexed by uint32. The zero value is ready to use.
type Slab[T any] struct {
	segments atomic.Pointer[[]*segment[T]]
	growMu   sync.Mutex
}

// Load returns the pointer stored at id, or nil if the slot is empty or beyond
// the allocated range.
func (s *Slab[T]) Load(id uint32) *T {
	segs := s.segments.Load()
	if segs == nil {
		return nil
	}
	idx := int(id >> segmentBits)
	if idx >= len(*segs) {
		return nil
	}
	return (*segs)[idx][id&segmentMask].Load()
}

// Store publishes v at id, growing the array if needed.
func (s *Slab[T]) Store(id uint32, v *T) {
	s.grow(id)
	segs := s.segments.Load()
	(*segs)[id>>segmentBits][id&segmentMask].Store(v)
}

// CompareAndSwap replaces the pointer at id only if it still equals old.
func (s *Slab[T]) CompareAndSwap(id uint32, old, v *T) bool {
	s.grow(id)
	segs := s.segments.Load()
	return (*segs)[id>>segmentBits][id&segmentMask].CompareAndSwap(old, v)
}

// Reserve allocates segments for ids below n.
func (s *Slab[T]) Reserve(n uint32) {
	if n > 0 {
		s.grow(n - 1)
	}
}

// Cap returns the number of addressable slots.
func (s *Slab[T]) Cap() int {
	segs := s.segments.Load()
	if segs == nil {
		return 0
	}
	return len(*segs) * segmentSize
}

// Reset drops every segment. Callers must ensure no concurrent readers depend on
// the old contents.
func (s *Slab[T]) Reset() {
	s.growMu.Lock()
	s.segments.Store(nil)
	s.growMu.Unlock()
}

func (s *Slab[T]) grow(id uint32) {
	idx := int(id >> segmentBits)
	if segs := s.segments.Load(); segs != nil && idx < len(*segs) {
		return
	}

	s.growMu.Lock()
	defer s.growMu.Unlock()

	var cur []*segment[T]
	if segs := s.segments.Load(); segs != nil {
		cur = *segs
	}
	if idx < len(cur) {
		return
	}
	next := make([]*segment[T], idx+1)
	copy(next, cur)
	for i := len(cur); i <= idx; i++ {
		next[i] = new(segment[T])
	}
	s.segments.Store(&next)
}
