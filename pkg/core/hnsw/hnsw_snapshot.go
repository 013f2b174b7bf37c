package hnsw

import (
	"github.com/sanonone/zyphyr/pkg/core/types"
)

// NodeSnapshot is the persisted form of one node. Level is -1 for a slot that has
// no graph node.
type NodeSnapshot struct {
	Level  int
	Layers [][]Neighbor
}

// Snapshot is a point-in-time copy of the graph structure, indexed by internal
// index. Neighbor slices are shared with the live graph; they are immutable once
// published, so no deep copy is needed.
type Snapshot struct {
	EntryPoint int64
	MaxLevel   int
	Nodes      []NodeSnapshot
}

// Snapshot captures the graph. Callers must exclude concurrent writers to get a
// state consistent with the collection.
func (h *Index) Snapshot() *Snapshot {
	slots := h.store.Slots()
	s := &Snapshot{EntryPoint: -1, MaxLevel: -1, Nodes: make([]NodeSnapshot, slots)}
	if ep := h.entry.Load(); ep != nil {
		s.EntryPoint = int64(ep.id)
		s.MaxLevel = ep.level
	}
	for iid := uint32(0); iid < slots; iid++ {
		n := h.nodes.Load(iid)
		if n == nil {
			s.Nodes[iid] = NodeSnapshot{Level: -1}
			continue
		}
		layers := make([][]Neighbor, n.Level()+1)
		for l := range layers {
			layers[l] = n.Neighbors(l)
		}
		s.Nodes[iid] = NodeSnapshot{Level: n.Level(), Layers: layers}
	}
	return s
}

// Restore rebuilds the graph from s over an already restored collection. The
// snapshot is validated first; any structural inconsistency is reported as
// ErrCorruptedIndexFile and the index is left unchanged.
func (h *Index) Restore(s *Snapshot) error {
	if err := h.validateSnapshot(s); err != nil {
		return err
	}

	h.epMu.Lock()
	defer h.epMu.Unlock()

	for iid, ns := range s.Nodes {
		if ns.Level < 0 {
			continue
		}
		id := uint32(iid)
		v := h.store.VectorAt(id)
		n := newNode(id, v.Data(), ns.Level)
		for l, list := range ns.Layers {
			n.setNeighbors(l, list)
		}
		if h.store.IsTombstoned(id) {
			n.deleted.Store(true)
			if n.edgeCount() == 0 {
				n.purged.Store(true)
			}
		}
		h.nodes.Store(id, n)
	}

	if s.EntryPoint >= 0 {
		h.entry.Store(&entryPoint{id: uint32(s.EntryPoint), level: s.MaxLevel})
		h.state.Store(int32(StateReady))
	} else {
		h.entry.Store(nil)
		if h.store.Len() > 0 {
			h.state.Store(int32(StateReady))
		}
	}
	return nil
}

func (h *Index) validateSnapshot(s *Snapshot) error {
	slots := int(h.store.Slots())
	if len(s.Nodes) != slots {
		return types.Corruptedf("graph has %d nodes, vector region has %d slots", len(s.Nodes), slots)
	}
	for iid, ns := range s.Nodes {
		if ns.Level < 0 {
			if !h.store.IsTombstoned(uint32(iid)) {
				return types.Corruptedf("live slot %d has no graph node", iid)
			}
			continue
		}
		if ns.Level > MaxLevel || len(ns.Layers) != ns.Level+1 {
			return types.Corruptedf("node %d has invalid level %d", iid, ns.Level)
		}
		if h.store.VectorAt(uint32(iid)) == nil {
			return types.Corruptedf("node %d has no vector", iid)
		}
		for l, list := range ns.Layers {
			if len(list) > h.maxConns(l) {
				return types.Corruptedf("node %d level %d has %d neighbors, limit %d", iid, l, len(list), h.maxConns(l))
			}
			for _, nb := range list {
				if int(nb.ID) >= slots || nb.ID == uint32(iid) {
					return types.Corruptedf("node %d level %d has invalid neighbor %d", iid, l, nb.ID)
				}
				if t := s.Nodes[nb.ID]; t.Level < l {
					return types.Corruptedf("node %d level %d links to node %d of level %d", iid, l, nb.ID, t.Level)
				}
			}
		}
	}

	if s.EntryPoint < 0 {
		if h.store.Len() > 0 {
			return types.Corruptedf("graph has live vectors but no entry point")
		}
		return nil
	}
	if s.EntryPoint >= int64(slots) {
		return types.Corruptedf("entry point %d out of range", s.EntryPoint)
	}
	ep := s.Nodes[s.EntryPoint]
	if ep.Level != s.MaxLevel {
		return types.Corruptedf("entry point level %d does not match max level %d", ep.Level, s.MaxLevel)
	}
	if h.store.IsTombstoned(uint32(s.EntryPoint)) {
		return types.Corruptedf("entry point %d is tombstoned", s.EntryPoint)
	}
	return nil
}
