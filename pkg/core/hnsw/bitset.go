package hnsw

// BitSet is the visited set of a single traversal. It remembers which words it
// dirtied so Clear costs O(touched) instead of O(capacity), which matters when a
// large graph is searched with a small ef.
type BitSet struct {
	words   []uint64
	touched []uint32
}

func NewBitSet(initialCapacity uint32) *BitSet {
	return &BitSet{
		words:   make([]uint64, (initialCapacity>>6)+1),
		touched: make([]uint32, 0, 64),
	}
}

func (bs *BitSet) EnsureCapacity(maxVal uint32) {
	need := int(maxVal>>6) + 1
	if len(bs.words) < need {
		grown := make([]uint64, need+need/4)
		copy(grown, bs.words)
		bs.words = grown
	}
}

// Add marks n and reports whether it was newly added.
func (bs *BitSet) Add(n uint32) bool {
	w := n >> 6
	if int(w) >= len(bs.words) {
		bs.EnsureCapacity(n)
	}
	mask := uint64(1) << (n & 63)
	old := bs.words[w]
	if old&mask != 0 {
		return false
	}
	if old == 0 {
		bs.touched = append(bs.touched, w)
	}
	bs.words[w] = old | mask
	return true
}

func (bs *BitSet) Has(n uint32) bool {
	w := n >> 6
	if int(w) >= len(bs.words) {
		return false
	}
	return bs.words[w]&(1<<(n&63)) != 0
}

func (bs *BitSet) Clear() {
	for _, w := range bs.touched {
		bs.words[w] = 0
	}
	bs.touched = bs.touched[:0]
}
