package hnsw

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sanonone/zyphyr/pkg/core/types"
)

// Maintenance task names accepted by RunCycle.
const (
	TaskVacuum = "vacuum"
	TaskRefine = "refine"
)

// GraphOptimizer runs background maintenance on one index.
type GraphOptimizer struct {
	index  *Index
	logger *zap.Logger
	config AutoMaintenanceConfig

	lastVacuumTime time.Time
	lastRefineTime time.Time
	lastScanIdx    uint32 // cyclic cursor for refinement

	mu sync.Mutex
	// runMu keeps vacuum and refine from overlapping.
	runMu sync.Mutex
}

func NewOptimizer(index *Index, cfg AutoMaintenanceConfig, logger *zap.Logger) *GraphOptimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphOptimizer{
		index:  index,
		logger: logger,
		config: cfg,
	}
}

// UpdateConfig replaces the settings.
func (o *GraphOptimizer) UpdateConfig(cfg AutoMaintenanceConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
	o.logger.Info("optimizer config updated",
		zap.Duration("vacuum_interval", time.Duration(cfg.VacuumInterval)),
		zap.Bool("refine", cfg.RefineEnabled))
}

// GetConfig returns the current configuration.
func (o *GraphOptimizer) GetConfig() AutoMaintenanceConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

// RunCycle checks the timers and runs whatever is due. forceType ("vacuum" or
// "refine") runs that task unconditionally. It reports whether any work was done.
func (o *GraphOptimizer) RunCycle(forceType string) bool {
	o.mu.Lock()
	cfg := o.config
	lastVac := o.lastVacuumTime
	lastRef := o.lastRefineTime
	o.mu.Unlock()

	now := time.Now()

	shouldVacuum := forceType == TaskVacuum
	if !shouldVacuum && time.Duration(cfg.VacuumInterval) > 0 && now.Sub(lastVac) >= time.Duration(cfg.VacuumInterval) {
		live := o.index.store.Len()
		dead := o.index.store.Tombstones()
		if total := uint64(live) + dead; total > 0 && float64(dead)/float64(total) >= cfg.DeleteThreshold && dead > 0 {
			shouldVacuum = true
		}
	}

	if shouldVacuum {
		didWork := o.Vacuum()
		o.mu.Lock()
		o.lastVacuumTime = now
		o.mu.Unlock()
		// Vacuum has priority over refine.
		return didWork
	}

	shouldRefine := forceType == TaskRefine
	if !shouldRefine && cfg.RefineEnabled && time.Duration(cfg.RefineInterval) > 0 {
		shouldRefine = now.Sub(lastRef) >= time.Duration(cfg.RefineInterval)
	}
	if shouldRefine {
		didWork := o.Refine()
		o.mu.Lock()
		o.lastRefineTime = now
		o.mu.Unlock()
		return didWork
	}
	return false
}

// Vacuum removes every edge that points to a tombstoned node, reconnects live
// nodes that lost edges, and finally drops the tombstoned nodes' own edges. Each
// node is rewritten under its own shard lock; queries keep running throughout.
func (o *GraphOptimizer) Vacuum() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	h := o.index
	slots := h.store.Slots()

	// dead holds every tombstoned node; fresh ones still carry their own edges.
	dead := make(map[uint32]struct{})
	var fresh []uint32
	for iid := uint32(0); iid < slots; iid++ {
		n := h.nodes.Load(iid)
		if n == nil || !n.IsDeleted() {
			continue
		}
		dead[iid] = struct{}{}
		if !n.purged.Load() {
			fresh = append(fresh, iid)
		}
	}
	if len(fresh) == 0 {
		return false
	}
	o.logger.Info("vacuum started", zap.Int("deleted_nodes", len(fresh)))

	repaired := 0
	for iid := uint32(0); iid < slots; iid++ {
		n := h.nodes.Load(iid)
		if n == nil || n.IsDeleted() {
			continue
		}
		for l := 0; l <= n.Level(); l++ {
			if !pointsInto(n.Neighbors(l), dead) {
				continue
			}
			o.relinkLayer(n, l, dead)
			repaired++
		}
	}

	for _, iid := range fresh {
		n := h.nodes.Load(iid)
		mu := h.shardFor(iid)
		mu.Lock()
		for l := 0; l <= n.Level(); l++ {
			n.setNeighbors(l, nil)
		}
		n.purged.Store(true)
		mu.Unlock()
	}

	o.logger.Info("vacuum complete", zap.Int("repaired_layers", repaired), zap.Int("purged_nodes", len(fresh)))
	return true
}

func pointsInto(list []Neighbor, set map[uint32]struct{}) bool {
	for _, nb := range list {
		if _, ok := set[nb.ID]; ok {
			return true
		}
	}
	return false
}

// relinkLayer recomputes n's neighbors at level l from a fresh search plus its
// surviving edges, skipping every node in ignore.
func (o *GraphOptimizer) relinkLayer(n *Node, l int, ignore map[uint32]struct{}) {
	list, base := o.computeLayer(n, l, o.efFor(), ignore)
	mu := o.index.shardFor(n.InternalID)
	mu.Lock()
	o.commitLayer(n, l, list, base, ignore)
	mu.Unlock()
}

// commitLayer publishes list as n's level-l neighbors. Edges that inserts added
// after base was read are merged back in, re-pruning if that overflows the list.
// Callers hold n's shard lock.
func (o *GraphOptimizer) commitLayer(n *Node, l int, list, base []Neighbor, ignore map[uint32]struct{}) {
	h := o.index
	var fresh []Neighbor
	for _, nb := range n.Neighbors(l) {
		if containsNeighbor(base, nb.ID) || containsNeighbor(list, nb.ID) || nb.ID == n.InternalID {
			continue
		}
		if _, skip := ignore[nb.ID]; skip {
			continue
		}
		if t := h.nodes.Load(nb.ID); t == nil || t.IsDeleted() {
			continue
		}
		fresh = append(fresh, nb)
	}
	if len(fresh) == 0 {
		n.setNeighbors(l, list)
		return
	}
	if len(list)+len(fresh) <= h.maxConns(l) {
		merged := make([]Neighbor, 0, len(list)+len(fresh))
		n.setNeighbors(l, append(append(merged, list...), fresh...))
		return
	}
	cands := make([]types.Candidate, 0, len(list)+len(fresh))
	for _, nb := range list {
		cands = append(cands, types.Candidate{Id: nb.ID, Distance: nb.Distance})
	}
	for _, nb := range fresh {
		cands = append(cands, types.Candidate{Id: nb.ID, Distance: nb.Distance})
	}
	n.setNeighbors(l, h.prune(cands, h.maxConns(l)))
}

func (o *GraphOptimizer) efFor() int {
	o.mu.Lock()
	ef := o.config.RefineEfConstruction
	o.mu.Unlock()
	if ef <= 0 {
		ef = o.index.cfg.EfConstruction
	}
	return ef
}

// computeLayer is the read-only half of a relink: it searches level l with the
// node's own vector, merges in its current live edges and runs neighbor selection.
// It also returns the edge list it started from, for commitLayer.
func (o *GraphOptimizer) computeLayer(n *Node, l int, ef int, ignore map[uint32]struct{}) (list, base []Neighbor) {
	h := o.index
	ep := h.entry.Load()
	if ep == nil {
		return nil, n.Neighbors(l)
	}

	cur := types.Candidate{Id: ep.id, Distance: h.distanceTo(n.vec, ep.id)}
	for lv := ep.level; lv > l; lv-- {
		cur = h.greedyClosest(n.vec, cur, lv)
	}
	found, _ := h.searchLayer(context.Background(), n.vec, []types.Candidate{cur}, ef, l, n.InternalID)

	seen := make(map[uint32]struct{}, len(found))
	cands := make([]types.Candidate, 0, len(found)+h.maxConns(l))
	for _, c := range found {
		if _, skip := ignore[c.Id]; skip {
			continue
		}
		seen[c.Id] = struct{}{}
		cands = append(cands, c)
	}
	base = n.Neighbors(l)
	for _, nb := range base {
		if _, skip := ignore[nb.ID]; skip || nb.ID == n.InternalID {
			continue
		}
		if _, dup := seen[nb.ID]; dup {
			continue
		}
		if t := h.nodes.Load(nb.ID); t == nil || t.IsDeleted() {
			continue
		}
		seen[nb.ID] = struct{}{}
		cands = append(cands, types.Candidate{Id: nb.ID, Distance: nb.Distance})
	}
	return h.prune(cands, h.maxConns(l)), base
}

// refineResult holds the recomputed layers of one node.
type refineResult struct {
	node   *Node
	layers [][]Neighbor
	bases  [][]Neighbor
}

// Refine re-selects the neighbors of the next batch of live nodes (cyclically over
// the whole graph). Computation runs in parallel over the worker pool; each node's
// new lists are committed under its shard lock.
func (o *GraphOptimizer) Refine() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	h := o.index
	slots := h.store.Slots()
	if slots == 0 {
		return false
	}

	o.mu.Lock()
	start := o.lastScanIdx
	batchSize := o.config.RefineBatchSize
	o.mu.Unlock()
	if batchSize <= 0 {
		batchSize = DefaultMaintenanceConfig().RefineBatchSize
	}
	ef := o.efFor()

	if start >= slots {
		start = 0
	}
	end := start + uint32(batchSize)
	if end > slots || end < start {
		end = slots
	}
	next := end
	if next >= slots {
		next = 0
	}
	o.mu.Lock()
	o.lastScanIdx = next
	o.mu.Unlock()

	nodes := make([]*Node, 0, end-start)
	for iid := start; iid < end; iid++ {
		if n := h.nodes.Load(iid); n != nil && !n.IsDeleted() {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return false
	}

	results := make([]refineResult, len(nodes))
	var g errgroup.Group
	g.SetLimit(h.cfg.Workers)
	for i, n := range nodes {
		g.Go(func() error {
			layers := make([][]Neighbor, n.Level()+1)
			bases := make([][]Neighbor, n.Level()+1)
			for l := range layers {
				layers[l], bases[l] = o.computeLayer(n, l, ef, nil)
			}
			results[i] = refineResult{node: n, layers: layers, bases: bases}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		mu := h.shardFor(r.node.InternalID)
		mu.Lock()
		if !r.node.IsDeleted() {
			for l, list := range r.layers {
				o.commitLayer(r.node, l, list, r.bases[l], nil)
			}
		}
		mu.Unlock()
	}

	o.logger.Debug("refine cycle complete", zap.Int("nodes", len(nodes)), zap.Uint32("next", next))
	return true
}
