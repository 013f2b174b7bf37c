// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// graph algorithm for approximate nearest neighbor search.
//
// The graph is built over the internal indexes of a vector.Collection. Writers
// serialize per node through striped shard locks; readers traverse lock-free over
// copy-on-write neighbor lists, so a search never observes a list mid-update and
// never blocks on unrelated inserts.
package hnsw

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sanonone/zyphyr/internal/slab"
	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/core/vector"
)

// State is the lifecycle stage of a graph.
type State int32

const (
	StateEmpty State = iota
	StateBuilding
	StateReady
	StateCorrupted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// deadlineCheckInterval is how many candidate expansions run between context checks.
const deadlineCheckInterval = 64

type entryPoint struct {
	id    uint32
	level int
}

// Index is the HNSW graph. All methods are safe for concurrent use.
type Index struct {
	cfg    Config
	mMax   int
	mMax0  int
	ml     float64
	store  *vector.Collection
	engine *distance.Engine
	logger *zap.Logger

	nodes  slab.Slab[Node]
	shards [NumShards]sync.Mutex

	// epMu serializes entry-point changes; readers use entry directly.
	epMu  sync.Mutex
	entry atomic.Pointer[entryPoint]

	rngState atomic.Uint64
	state    atomic.Int32
	bulk     atomic.Int32

	visitedPool sync.Pool
}

// New creates an empty graph over store. The collection must be empty or fully
// restored (see Restore); the index never writes vectors except through Insert.
func New(cfg Config, store *vector.Collection, logger *zap.Logger) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, types.InvalidParameterf("nil vector collection")
	}
	engine, err := distance.NewEngine(store.Metric())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Index{
		cfg:    cfg,
		mMax:   cfg.M,
		mMax0:  cfg.M * 2,
		ml:     1.0 / math.Log(float64(cfg.M)),
		store:  store,
		engine: engine,
		logger: logger,
	}
	h.rngState.Store(cfg.Seed)
	h.visitedPool = sync.Pool{
		New: func() any { return NewBitSet(1024) },
	}
	return h, nil
}

// Config returns the construction parameters.
func (h *Index) Config() Config { return h.cfg }

// Metric returns the metric of the underlying collection.
func (h *Index) Metric() distance.Metric { return h.engine.Metric() }

// Engine returns the distance engine bound to this index.
func (h *Index) Engine() *distance.Engine { return h.engine }

// Store returns the underlying collection.
func (h *Index) Store() *vector.Collection { return h.store }

// State returns the current lifecycle stage.
func (h *Index) State() State {
	if h.bulk.Load() > 0 && State(h.state.Load()) != StateCorrupted {
		return StateBuilding
	}
	return State(h.state.Load())
}

// MarkCorrupted moves the graph into the terminal Corrupted state.
func (h *Index) MarkCorrupted() { h.state.Store(int32(StateCorrupted)) }

// Len returns the number of live vectors.
func (h *Index) Len() int { return h.store.Len() }

// EntryPoint returns the current entry node and its level, or ok=false for an
// empty graph.
func (h *Index) EntryPoint() (id uint32, level int, ok bool) {
	ep := h.entry.Load()
	if ep == nil {
		return 0, -1, false
	}
	return ep.id, ep.level, true
}

// MaxLevel returns the level of the entry point, or -1 for an empty graph.
func (h *Index) MaxLevel() int {
	if ep := h.entry.Load(); ep != nil {
		return ep.level
	}
	return -1
}

// Node returns the graph node for an internal index, or nil.
func (h *Index) Node(iid uint32) *Node { return h.nodes.Load(iid) }

func (h *Index) shardFor(id uint32) *sync.Mutex {
	return &h.shards[id%NumShards]
}

func (h *Index) maxConns(level int) int {
	if level == 0 {
		return h.mMax0
	}
	return h.mMax
}

func (h *Index) checkUsable() error {
	if State(h.state.Load()) == StateCorrupted {
		return types.Corruptedf("index is in corrupted state")
	}
	return nil
}

// randomLevel draws floor(-ln(U) * ml) with a lock-free xorshift64* generator.
func (h *Index) randomLevel() int {
	seed := h.rngState.Add(0x9E3779B97F4A7C15)
	seed ^= seed >> 12
	seed ^= seed << 25
	seed ^= seed >> 27
	r := float64(seed*0x2545F4914F6CDD1D>>11) / float64(1<<53)
	if r <= 0 {
		r = math.SmallestNonzeroFloat64
	}
	level := int(math.Floor(-math.Log(r) * h.ml))
	if level > MaxLevel {
		level = MaxLevel
	}
	return level
}

// --- INSERT ---

// Insert stores vec under id and links it into the graph.
func (h *Index) Insert(id uint64, vec []float32) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	iid, err := h.store.Insert(id, vec)
	if err != nil {
		return err
	}
	h.link(iid)
	h.state.CompareAndSwap(int32(StateEmpty), int32(StateReady))
	return nil
}

// BulkInsert inserts items in order with partial-failure semantics: items before
// the first failing one stay inserted and linked, the rest are not attempted. The
// successful items are linked in parallel while the graph is in Building.
func (h *Index) BulkInsert(items []types.BatchObject) (int, error) {
	if err := h.checkUsable(); err != nil {
		return 0, err
	}
	h.bulk.Add(1)
	defer h.bulk.Add(-1)

	iids, storeErr := h.store.BulkInsert(items)
	if len(iids) == 0 {
		return 0, storeErr
	}

	// Seed the graph serially so parallel workers share a common entry point.
	start := 0
	if h.entry.Load() == nil {
		h.link(iids[0])
		start = 1
	}

	var g errgroup.Group
	g.SetLimit(h.cfg.Workers)
	for _, iid := range iids[start:] {
		g.Go(func() error {
			h.link(iid)
			return nil
		})
	}
	_ = g.Wait()

	h.state.CompareAndSwap(int32(StateEmpty), int32(StateReady))
	h.logger.Debug("bulk insert linked", zap.Int("count", len(iids)))
	return len(iids), storeErr
}

// link wires the vector at iid into the graph.
func (h *Index) link(iid uint32) {
	v := h.store.VectorAt(iid)
	q := v.Data()
	level := h.randomLevel()
	node := newNode(iid, q, level)
	h.nodes.Store(iid, node)
	// A concurrent Delete may have tombstoned the slot before the node existed.
	if h.store.IsTombstoned(iid) {
		node.deleted.Store(true)
	}

	ep := h.entry.Load()
	if ep == nil {
		if node.IsDeleted() {
			return
		}
		h.epMu.Lock()
		if h.entry.Load() == nil {
			h.entry.Store(&entryPoint{id: iid, level: level})
			h.epMu.Unlock()
			return
		}
		h.epMu.Unlock()
		ep = h.entry.Load()
	}

	cur := types.Candidate{Id: ep.id, Distance: h.distanceTo(q, ep.id)}
	for l := ep.level; l > level; l-- {
		cur = h.greedyClosest(q, cur, l)
	}

	for l := min(level, ep.level); l >= 0; l-- {
		found, _ := h.searchLayer(context.Background(), q, []types.Candidate{cur}, h.cfg.EfConstruction, l, iid)
		selected := h.selectNeighbors(found, h.maxConns(l))

		list := make([]Neighbor, len(selected))
		for i, c := range selected {
			list[i] = Neighbor{ID: c.Id, Distance: c.Distance}
		}
		mu := h.shardFor(iid)
		mu.Lock()
		// Concurrent inserts may already have linked back to this node.
		for _, nb := range node.Neighbors(l) {
			if len(list) < h.maxConns(l) && !containsNeighbor(list, nb.ID) {
				list = append(list, nb)
			}
		}
		node.setNeighbors(l, list)
		mu.Unlock()

		for _, c := range selected {
			h.addReverseEdge(c.Id, iid, c.Distance, l)
		}
		if len(found) > 0 {
			cur = found[0]
		}
	}

	if (level > ep.level || h.entry.Load() == nil) && !node.IsDeleted() {
		h.epMu.Lock()
		if cur := h.entry.Load(); (cur == nil || level > cur.level) && !node.IsDeleted() {
			h.entry.Store(&entryPoint{id: iid, level: level})
		}
		h.epMu.Unlock()
	}
}

// addReverseEdge links target -> newID at level l. When the list overflows it is
// re-pruned with the diversity heuristic over the old edges plus the new one, so
// a long-range edge survives as long as no kept neighbor covers it.
func (h *Index) addReverseEdge(target, newID uint32, dist float32, l int) {
	mu := h.shardFor(target)
	mu.Lock()
	defer mu.Unlock()

	tn := h.nodes.Load(target)
	if tn == nil || l > tn.Level() || tn.IsDeleted() {
		return
	}
	cur := tn.Neighbors(l)
	if containsNeighbor(cur, newID) {
		return
	}

	if len(cur) < h.maxConns(l) {
		next := make([]Neighbor, len(cur), len(cur)+1)
		copy(next, cur)
		tn.setNeighbors(l, append(next, Neighbor{ID: newID, Distance: dist}))
		return
	}

	cands := make([]types.Candidate, 0, len(cur)+1)
	for _, nb := range cur {
		cands = append(cands, types.Candidate{Id: nb.ID, Distance: nb.Distance})
	}
	cands = append(cands, types.Candidate{Id: newID, Distance: dist})
	tn.setNeighbors(l, h.prune(cands, h.maxConns(l)))
}

// prune sorts cands and returns the heuristic selection of at most m as a list.
func (h *Index) prune(cands []types.Candidate, m int) []Neighbor {
	sort.Slice(cands, func(i, j int) bool { return cands[i].Less(cands[j]) })
	selected := h.selectNeighbors(cands, m)
	next := make([]Neighbor, len(selected))
	for i, c := range selected {
		next[i] = Neighbor{ID: c.Id, Distance: c.Distance}
	}
	return next
}

// selectNeighbors applies the diversity heuristic to candidates sorted by
// ascending distance: a candidate is kept only if it is closer to the base than
// to every neighbor already kept. Pruned candidates never refill the list.
func (h *Index) selectNeighbors(candidates []types.Candidate, m int) []types.Candidate {
	if len(candidates) <= m {
		return candidates
	}

	results := make([]types.Candidate, 0, m)
	for _, e := range candidates {
		if len(results) >= m {
			break
		}
		ev := h.vectorOf(e.Id)
		good := true
		for _, r := range results {
			if h.engine.Prepared(ev, h.vectorOf(r.Id)) < e.Distance {
				good = false
				break
			}
		}
		if good {
			results = append(results, e)
		}
	}
	return results
}

// --- DELETE ---

// Delete tombstones id. The node's own edges stay in place so traversals passing
// through it still find their way; every neighbor it points to drops its edge back
// and is offered a replacement from the deleted node's other neighbors. Residual
// inbound edges are cleared by Vacuum. A deleted node is never returned.
func (h *Index) Delete(id uint64) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	iid, err := h.store.Remove(id)
	if err != nil {
		return err
	}
	node := h.nodes.Load(iid)
	if node == nil {
		return nil
	}

	h.epMu.Lock()
	node.deleted.Store(true)
	if ep := h.entry.Load(); ep != nil && ep.id == iid {
		h.promoteEntryLocked()
	}
	h.epMu.Unlock()

	for l := 0; l <= node.Level(); l++ {
		outbound := node.Neighbors(l)
		for _, nb := range outbound {
			h.unlinkFrom(nb.ID, iid, l, outbound)
		}
	}
	return nil
}

// unlinkFrom removes the edge owner -> dead at level l and, if one was removed,
// adds the closest live node from pool that owner does not already point to.
func (h *Index) unlinkFrom(owner, dead uint32, l int, pool []Neighbor) {
	mu := h.shardFor(owner)
	mu.Lock()
	defer mu.Unlock()

	on := h.nodes.Load(owner)
	if on == nil || l > on.Level() {
		return
	}
	cur := on.Neighbors(l)
	next := make([]Neighbor, 0, len(cur))
	for _, nb := range cur {
		if nb.ID != dead {
			next = append(next, nb)
		}
	}
	if len(next) == len(cur) {
		return
	}

	best := Neighbor{}
	found := false
	for _, cand := range pool {
		if cand.ID == owner || cand.ID == dead || containsNeighbor(next, cand.ID) {
			continue
		}
		cn := h.nodes.Load(cand.ID)
		if cn == nil || cn.IsDeleted() || l > cn.Level() {
			continue
		}
		d := h.engine.Prepared(on.vec, cn.vec)
		if !found || d < best.Distance || (d == best.Distance && cand.ID < best.ID) {
			best = Neighbor{ID: cand.ID, Distance: d}
			found = true
		}
	}
	if found {
		next = append(next, best)
	}
	on.setNeighbors(l, next)
}

// promoteEntryLocked picks the live node with the highest level, lowest internal
// index first among equals. Callers hold epMu.
func (h *Index) promoteEntryLocked() {
	var best *entryPoint
	slots := h.store.Slots()
	for iid := uint32(0); iid < slots; iid++ {
		n := h.nodes.Load(iid)
		if n == nil || n.IsDeleted() {
			continue
		}
		if best == nil || n.Level() > best.level {
			best = &entryPoint{id: iid, level: n.Level()}
		}
	}
	h.entry.Store(best)
	if best == nil {
		h.logger.Debug("entry point removed, graph has no live nodes")
		return
	}
	h.logger.Debug("entry point promoted", zap.Uint32("iid", best.id), zap.Int("level", best.level))
}

// --- SEARCH ---

// Search returns up to k live vectors nearest to query, ordered by ascending
// distance with ties broken by internal index. ef is the layer-0 beam width and
// must be at least k. When ctx expires mid-search the best results gathered so
// far are returned without error.
func (h *Index) Search(ctx context.Context, query []float32, k, ef int) ([]types.SearchResult, error) {
	cands, err := h.SearchCandidates(ctx, query, k, ef)
	if err != nil || len(cands) == 0 {
		return []types.SearchResult{}, err
	}
	out := make([]types.SearchResult, 0, len(cands))
	for _, c := range cands {
		v := h.store.VectorAt(c.Id)
		if v == nil {
			continue
		}
		out = append(out, types.SearchResult{ID: v.ID, Distance: c.Distance})
	}
	return out, nil
}

// SearchCandidates is Search returning internal indexes.
func (h *Index) SearchCandidates(ctx context.Context, query []float32, k, ef int) ([]types.Candidate, error) {
	if k <= 0 {
		return nil, types.InvalidParameterf("k must be > 0, got %d", k)
	}
	if ef < k {
		return nil, types.InvalidParameterf("ef (%d) must be >= k (%d)", ef, k)
	}
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, types.ErrEmptyVector
	}

	ep := h.entry.Load()
	dim := h.store.Dim()
	if ep == nil || dim == 0 {
		return nil, nil
	}
	if len(query) != dim {
		return nil, &types.DimensionMismatchError{Expected: dim, Actual: len(query)}
	}

	q, _ := h.engine.Prepare(query)

	cur := types.Candidate{Id: ep.id, Distance: h.distanceTo(q, ep.id)}
	for l := ep.level; l > 0; l-- {
		cur = h.greedyClosest(q, cur, l)
	}

	found, expired := h.searchLayer(ctx, q, []types.Candidate{cur}, ef, 0, math.MaxUint32)
	if expired {
		h.logger.Debug("search deadline exceeded, returning partial results", zap.Int("found", len(found)))
	}
	if len(found) > k {
		found = found[:k]
	}
	return found, nil
}

func (h *Index) vectorOf(iid uint32) []float32 {
	if n := h.nodes.Load(iid); n != nil {
		return n.vec
	}
	return h.store.VectorAt(iid).Data()
}

func (h *Index) distanceTo(q []float32, iid uint32) float32 {
	return h.engine.Prepared(q, h.vectorOf(iid))
}

// greedyClosest walks level l from start, always moving to the closest neighbor,
// until no neighbor improves. Deleted nodes are valid waypoints.
func (h *Index) greedyClosest(q []float32, start types.Candidate, l int) types.Candidate {
	cur := start
	for changed := true; changed; {
		changed = false
		n := h.nodes.Load(cur.Id)
		if n == nil {
			return cur
		}
		for _, nb := range n.Neighbors(l) {
			d := h.distanceTo(q, nb.ID)
			if d < cur.Distance {
				cur = types.Candidate{Id: nb.ID, Distance: d}
				changed = true
			}
		}
	}
	return cur
}

// searchLayer runs the ef-bounded best-first search on level l from the given
// entry candidates. Deleted nodes are expanded but never kept, and exclude (the
// node being linked) is never kept either. Results are sorted by (distance, id).
// The second return value reports whether ctx expired before convergence.
func (h *Index) searchLayer(ctx context.Context, q []float32, entries []types.Candidate, ef, l int, exclude uint32) ([]types.Candidate, bool) {
	visited := h.visitedPool.Get().(*BitSet)
	defer func() {
		visited.Clear()
		h.visitedPool.Put(visited)
	}()

	candidates := newMinHeap(ef * 2)
	results := newMaxHeap(ef + 1)

	keep := func(c types.Candidate) {
		if c.Id == exclude {
			return
		}
		if n := h.nodes.Load(c.Id); n == nil || n.IsDeleted() {
			return
		}
		results.push(c)
		if results.Len() > ef {
			results.pop()
		}
	}

	for _, e := range entries {
		if !visited.Add(e.Id) {
			continue
		}
		candidates.push(e)
		keep(e)
	}

	done := ctx.Done()
	expired := false
	for pops := 1; candidates.Len() > 0; pops++ {
		if done != nil && pops%deadlineCheckInterval == 0 && ctx.Err() != nil {
			expired = true
			break
		}
		c := candidates.pop()
		if results.Len() >= ef && c.Distance > results.peek().Distance {
			break
		}
		n := h.nodes.Load(c.Id)
		if n == nil {
			continue
		}
		for _, nb := range n.Neighbors(l) {
			if !visited.Add(nb.ID) {
				continue
			}
			nn := h.nodes.Load(nb.ID)
			if nn == nil {
				continue
			}
			d := h.engine.Prepared(q, nn.vec)
			if results.Len() < ef || d < results.peek().Distance {
				cand := types.Candidate{Id: nb.ID, Distance: d}
				candidates.push(cand)
				keep(cand)
			}
		}
	}
	return results.drainAscending(), expired
}

// Stats summarizes the graph shape.
type Stats struct {
	Nodes       int
	Deleted     int
	MaxLevel    int
	EntryPoint  int64
	LevelCounts []int
	AvgDegree0  float64
}

// Stats walks every node once. It takes no locks and may mix states from
// concurrent writers.
func (h *Index) Stats() Stats {
	st := Stats{MaxLevel: -1, EntryPoint: -1}
	if ep := h.entry.Load(); ep != nil {
		st.MaxLevel = ep.level
		st.EntryPoint = int64(ep.id)
	}
	edges0 := 0
	slots := h.store.Slots()
	for iid := uint32(0); iid < slots; iid++ {
		n := h.nodes.Load(iid)
		if n == nil {
			continue
		}
		if n.IsDeleted() {
			st.Deleted++
			continue
		}
		st.Nodes++
		for len(st.LevelCounts) <= n.Level() {
			st.LevelCounts = append(st.LevelCounts, 0)
		}
		for l := 0; l <= n.Level(); l++ {
			st.LevelCounts[l]++
		}
		edges0 += len(n.Neighbors(0))
	}
	if st.Nodes > 0 {
		st.AvgDegree0 = float64(edges0) / float64(st.Nodes)
	}
	return st
}
