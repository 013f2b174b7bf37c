package hnsw

import "sync/atomic"

// Neighbor is one directed edge with the distance between its endpoints cached at
// link time, so eviction decisions never recompute it.
type Neighbor struct {
	ID       uint32
	Distance float32
}

// Node is a vertex of the graph. Each layer's neighbor list is an immutable slice
// published through an atomic pointer: writers build a new slice under the node's
// shard lock and swap it in, readers load it once and iterate without locking.
type Node struct {
	// InternalID is the vector's slot in the collection.
	InternalID uint32
	// vec is the stored (possibly normalized) payload, shared with the collection.
	vec []float32
	// layers[l] holds the neighbors at level l; len(layers)-1 is the node's level.
	layers []atomic.Pointer[[]Neighbor]
	// deleted marks a tombstoned node: still traversable, never returned.
	deleted atomic.Bool
	// purged is set by vacuum once the node's own edges have been dropped.
	purged atomic.Bool
}

func newNode(id uint32, vec []float32, level int) *Node {
	return &Node{
		InternalID: id,
		vec:        vec,
		layers:     make([]atomic.Pointer[[]Neighbor], level+1),
	}
}

// Level returns the highest layer the node belongs to.
func (n *Node) Level() int { return len(n.layers) - 1 }

// Neighbors returns the current neighbor list at level l. The slice must not be
// modified.
func (n *Node) Neighbors(l int) []Neighbor {
	if l >= len(n.layers) {
		return nil
	}
	p := n.layers[l].Load()
	if p == nil {
		return nil
	}
	return *p
}

// setNeighbors publishes list as the neighbors at level l. Callers hold the node's
// shard lock and must not retain list for further writes.
func (n *Node) setNeighbors(l int, list []Neighbor) {
	n.layers[l].Store(&list)
}

func (n *Node) edgeCount() int {
	total := 0
	for l := range n.layers {
		total += len(n.Neighbors(l))
	}
	return total
}

// IsDeleted reports whether the node has been tombstoned.
func (n *Node) IsDeleted() bool { return n.deleted.Load() }

func containsNeighbor(list []Neighbor, id uint32) bool {
	for _, nb := range list {
		if nb.ID == id {
			return true
		}
	}
	return false
}
