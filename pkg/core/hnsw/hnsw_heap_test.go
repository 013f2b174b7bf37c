package hnsw

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sanonone/zyphyr/pkg/core/types"
)

func TestMinHeapOrdersByDistanceThenID(t *testing.T) {
	h := newMinHeap(4)
	for _, c := range []types.Candidate{
		{Id: 1, Distance: 5},
		{Id: 4, Distance: 2},
		{Id: 3, Distance: 8},
		{Id: 2, Distance: 2},
	} {
		h.push(c)
	}

	var got []uint32
	for h.Len() > 0 {
		got = append(got, h.pop().Id)
	}
	assert.Equal(t, []uint32{2, 4, 1, 3}, got)
}

func TestMaxHeapKeepsWorstOnTop(t *testing.T) {
	h := newMaxHeap(4)
	for _, c := range []types.Candidate{
		{Id: 1, Distance: 5},
		{Id: 2, Distance: 8},
		{Id: 3, Distance: 2},
		{Id: 4, Distance: 8},
	} {
		h.push(c)
	}
	assert.Equal(t, uint32(4), h.peek().Id)

	got := h.drainAscending()
	assert.Equal(t, []types.Candidate{
		{Id: 3, Distance: 2},
		{Id: 1, Distance: 5},
		{Id: 2, Distance: 8},
		{Id: 4, Distance: 8},
	}, got)
	assert.Equal(t, 0, h.Len())
}
