package hnsw

// This file defines the min-heap and max-heap used during graph traversal. Both
// hold candidates by value and break distance ties by internal id, which keeps
// traversal order (and therefore search output) deterministic for a given graph.

import (
	"container/heap"

	"github.com/sanonone/zyphyr/pkg/core/types"
)

// minHeap keeps the nearest candidate on top. It holds the frontier of nodes still
// to be expanded.
type minHeap []types.Candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(types.Candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *minHeap) push(c types.Candidate) { heap.Push(h, c) }
func (h *minHeap) pop() types.Candidate  { return heap.Pop(h).(types.Candidate) }

// maxHeap keeps the farthest kept result on top so it can be evicted when a closer
// one is found.
type maxHeap []types.Candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[j].Less(h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(types.Candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *maxHeap) push(c types.Candidate) { heap.Push(h, c) }
func (h *maxHeap) pop() types.Candidate  { return heap.Pop(h).(types.Candidate) }

// peek returns the worst kept result. The heap must not be empty.
func (h maxHeap) peek() types.Candidate { return h[0] }

// drainAscending empties the heap into a slice ordered by (distance, id).
func (h *maxHeap) drainAscending() []types.Candidate {
	out := make([]types.Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop()
	}
	return out
}

func newMinHeap(capacity int) *minHeap {
	h := make(minHeap, 0, capacity)
	return &h
}

func newMaxHeap(capacity int) *maxHeap {
	h := make(maxHeap, 0, capacity)
	return &h
}
