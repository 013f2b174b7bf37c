package vector

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/tidwall/btree"

	"github.com/sanonone/zyphyr/internal/slab"
	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/types"
)

// Collection maps external ids to dense internal indexes and owns the vector
// payloads. VectorAt is lock-free; every other method is safe for concurrent use.
//
// The dimensionality is fixed by the first successful insert (or by NewCollection)
// and is immutable afterwards.
type Collection struct {
	mu sync.RWMutex

	metric distance.Metric
	dim    atomic.Int64

	// ids maps external id -> internal index for live entries only.
	ids btree.Map[uint64, uint32]
	// tombstones holds the internal indexes of removed entries.
	tombstones *roaring.Bitmap
	// slots holds every vector ever inserted, by internal index.
	slots slab.Slab[Vector]
	next  uint32
}

// NewCollection creates an empty collection. dim may be 0 to let the first insert
// decide. Vectors are normalized on insert when metric requires it.
func NewCollection(dim int, metric distance.Metric) (*Collection, error) {
	if dim < 0 {
		return nil, types.InvalidParameterf("dimension must be >= 0, got %d", dim)
	}
	if !metric.Valid() {
		return nil, types.InvalidParameterf("unsupported metric %d", uint8(metric))
	}
	c := &Collection{metric: metric, tombstones: roaring.New()}
	c.dim.Store(int64(dim))
	return c, nil
}

// Metric returns the metric the collection normalizes for.
func (c *Collection) Metric() distance.Metric { return c.metric }

// Dim returns the fixed dimensionality, or 0 before the first insert.
func (c *Collection) Dim() int { return int(c.dim.Load()) }

// Insert stores a copy of data under id and returns its internal index.
func (c *Collection) Insert(id uint64, data []float32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(id, data)
}

func (c *Collection) insertLocked(id uint64, data []float32) (uint32, error) {
	if len(data) == 0 {
		return 0, types.ErrEmptyVector
	}
	if dim := int(c.dim.Load()); dim != 0 && dim != len(data) {
		return 0, &types.DimensionMismatchError{Expected: dim, Actual: len(data)}
	}
	if _, exists := c.ids.Get(id); exists {
		return 0, &types.IDError{Op: "insert", ID: id, Kind: types.ErrDuplicateID}
	}
	if c.next == ^uint32(0) {
		return 0, types.InvalidParameterf("collection is full")
	}

	v, err := New(id, data, c.metric.RequiresNormalization())
	if err != nil {
		return 0, err
	}
	if c.dim.Load() == 0 {
		c.dim.Store(int64(len(data)))
	}

	iid := c.next
	// Publish the payload before the id becomes resolvable.
	c.slots.Store(iid, v)
	c.ids.Set(id, iid)
	c.next++
	return iid, nil
}

// BulkInsert inserts items in order. It stops at the first failure and returns the
// internal indexes of the items inserted before it together with that error; the
// earlier inserts stay in place.
func (c *Collection) BulkInsert(items []types.BatchObject) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.slots.Reserve(c.next + uint32(len(items)))

	out := make([]uint32, 0, len(items))
	for _, it := range items {
		iid, err := c.insertLocked(it.Id, it.Vector)
		if err != nil {
			return out, err
		}
		out = append(out, iid)
	}
	return out, nil
}

// Get returns the live vector stored under id.
func (c *Collection) Get(id uint64) (*Vector, error) {
	c.mu.RLock()
	iid, ok := c.ids.Get(id)
	c.mu.RUnlock()
	if !ok {
		return nil, &types.IDError{Op: "get", ID: id, Kind: types.ErrNotFound}
	}
	return c.slots.Load(iid), nil
}

// InternalID resolves a live external id.
func (c *Collection) InternalID(id uint64) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ids.Get(id)
}

// Remove tombstones the slot of id and returns its internal index. The index is
// never reused.
func (c *Collection) Remove(id uint64) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iid, ok := c.ids.Delete(id)
	if !ok {
		return 0, &types.IDError{Op: "delete", ID: id, Kind: types.ErrNotFound}
	}
	c.tombstones.Add(iid)
	return iid, nil
}

// VectorAt returns the vector at an internal index, tombstoned or not, or nil if
// the index was never assigned. It takes no lock.
func (c *Collection) VectorAt(iid uint32) *Vector {
	return c.slots.Load(iid)
}

// IsTombstoned reports whether the slot at iid has been removed.
func (c *Collection) IsTombstoned(iid uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tombstones.Contains(iid)
}

// Len returns the number of live vectors.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ids.Len()
}

// Slots returns the number of internal indexes assigned so far, tombstones included.
func (c *Collection) Slots() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next
}

// Tombstones returns the number of removed slots.
func (c *Collection) Tombstones() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tombstones.GetCardinality()
}

// TombstoneSet returns a copy of the tombstone bitmap.
func (c *Collection) TombstoneSet() *roaring.Bitmap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tombstones.Clone()
}

// All yields live vectors in internal-index order. The sequence is restartable and
// may be interleaved with reads; the slot range is fixed when iteration starts.
func (c *Collection) All() iter.Seq2[uint32, *Vector] {
	return func(yield func(uint32, *Vector) bool) {
		c.mu.RLock()
		n := c.next
		dead := c.tombstones.Clone()
		c.mu.RUnlock()

		for iid := uint32(0); iid < n; iid++ {
			if dead.Contains(iid) {
				continue
			}
			v := c.slots.Load(iid)
			if v == nil {
				continue
			}
			if !yield(iid, v) {
				return
			}
		}
	}
}

// IDs yields live external ids in ascending order.
func (c *Collection) IDs() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		c.mu.RLock()
		ids := make([]uint64, 0, c.ids.Len())
		c.ids.Scan(func(id uint64, _ uint32) bool {
			ids = append(ids, id)
			return true
		})
		c.mu.RUnlock()
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// MemoryUsage estimates the bytes held by vector payloads.
func (c *Collection) MemoryUsage() int {
	total := 0
	for _, v := range c.All() {
		total += v.MemoryUsage()
	}
	return total
}

// Restore places a vector at a fixed internal index. It is used when loading a
// segment: slots must be restored in ascending order, tombstoned ones included.
func (c *Collection) Restore(iid uint32, v *Vector, tombstoned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if iid < c.next {
		return types.Corruptedf("slot %d restored out of order", iid)
	}
	if dim := int(c.dim.Load()); dim != 0 && dim != v.Dim() {
		return &types.DimensionMismatchError{Expected: dim, Actual: v.Dim()}
	}
	if c.dim.Load() == 0 {
		c.dim.Store(int64(v.Dim()))
	}
	c.slots.Store(iid, v)
	if tombstoned {
		c.tombstones.Add(iid)
	} else {
		if _, dup := c.ids.Get(v.ID); dup {
			return types.Corruptedf("id %d stored twice", v.ID)
		}
		c.ids.Set(v.ID, iid)
	}
	// Gaps left by a skipped slot are tombstoned.
	for gap := c.next; gap < iid; gap++ {
		c.tombstones.Add(gap)
	}
	c.next = iid + 1
	return nil
}
