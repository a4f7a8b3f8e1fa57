package index

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

// hnswNode is one arena slot. Neighbor lists are arena indices, not
// pointers (spec §9), so removal never requires chasing references: a
// tombstoned slot simply stops being dereferenced.
type hnswNode struct {
	id        core.DocumentID
	vector    []float32
	level     int
	neighbors [][]int32 // neighbors[l] = arena indices of this node's neighbors at level l
	deleted   bool
}

const noEntryPoint = int32(-1)

// HNSW implements a Hierarchical Navigable Small World graph (spec §4.2,
// §9). Readers never block each other; structural mutation (Insert,
// Remove, Compact, Load) takes an exclusive lock, which the service layer
// serializes to one writer per collection.
type HNSW struct {
	mu sync.RWMutex

	dimension      int
	metric         core.Metric
	m              int
	mMax           int
	mMax0          int
	efConstruction int
	efSearch       int
	levelMult      float64

	rngMu sync.Mutex
	rng   *rand.Rand

	nodes      []hnswNode
	idIndex    map[core.DocumentID]int32
	entryPoint int32
	maxLevel   int
	tombstones int
}

// compactionThreshold is the tombstone share above which Compact performs
// a physical rebuild (spec §4.2: "e.g., 20%").
const compactionThreshold = 0.2

// NewHNSW constructs an empty HNSW index from Params (spec §4.2 defaults
// apply when the caller used DefaultHNSWParams).
func NewHNSW(p Params) *HNSW {
	m := p.M
	if m <= 0 {
		m = 16
	}
	efConstruction := p.EfConstruction
	if efConstruction <= 0 {
		efConstruction = 200
	}
	efSearch := p.EfSearch
	if efSearch <= 0 {
		efSearch = 64
	}
	return &HNSW{
		dimension:      p.Dimension,
		metric:         p.Metric,
		m:              m,
		mMax:           m,
		mMax0:          2 * m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		levelMult:      1 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		idIndex:        make(map[core.DocumentID]int32),
		entryPoint:     noEntryPoint,
	}
}

func (h *HNSW) Dimension() int { return h.dimension }

// randomLevel samples an entry level from a geometric distribution with
// parameter 1/ln(M), per spec §4.2.
func (h *HNSW) randomLevel() int {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	return int(-math.Log(u) * h.levelMult)
}

func (h *HNSW) prepareVector(v []float32) []float32 {
	if h.metric == core.MetricCosine {
		return core.Normalize(v)
	}
	cp := make([]float32, len(v))
	copy(cp, v)
	return cp
}

func (h *HNSW) dist(a, b []float32) float32 {
	return core.Distance(h.metric, a, b)
}

type candidate struct {
	idx      int32
	distance float32
}

func (h *HNSW) Insert(ctx context.Context, id core.DocumentID, vector []float32) error {
	if err := validateVector(vector, h.dimension); err != nil {
		return err
	}
	stored := h.prepareVector(vector)
	level := h.randomLevel()

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.idIndex[id]; ok {
		// Re-insertion of a live id replaces its vector in place; neighbor
		// structure is left for the next compaction to reconcile, keeping
		// Insert itself all-or-nothing and O(1) beyond validation.
		h.nodes[existing].vector = stored
		h.nodes[existing].deleted = false
		return nil
	}

	newIdx := int32(len(h.nodes))
	node := hnswNode{
		id:        id,
		vector:    stored,
		level:     level,
		neighbors: make([][]int32, level+1),
	}

	if h.entryPoint == noEntryPoint {
		h.nodes = append(h.nodes, node)
		h.idIndex[id] = newIdx
		h.entryPoint = newIdx
		h.maxLevel = level
		return nil
	}

	entry := h.entryPoint
	entryDist := h.dist(stored, h.nodes[entry].vector)

	// Descend from the top layer to level+1 with ef=1 to find a good entry
	// point for the layers we'll actually connect at.
	for lc := h.maxLevel; lc > level; lc-- {
		entry, entryDist = h.greedyDescend(stored, entry, entryDist, lc)
	}

	h.nodes = append(h.nodes, node)
	h.idIndex[id] = newIdx

	nearest := []candidate{{idx: entry, distance: entryDist}}
	for lc := min(level, h.maxLevel); lc >= 0; lc-- {
		found := h.searchLayer(stored, nearest, h.efConstruction, lc)
		maxNeighbors := h.mMax
		if lc == 0 {
			maxNeighbors = h.mMax0
		}
		selected := h.selectNeighborsHeuristic(stored, found, maxNeighbors)

		h.nodes[newIdx].neighbors[lc] = selected
		for _, nb := range selected {
			h.connect(nb, newIdx, lc)
		}
		nearest = found
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = newIdx
	}
	return nil
}

// connect adds a bidirectional edge from -> to at level lc, pruning from's
// neighbor list back down to its cap if needed. Gracefully skips if from
// has been tombstoned since selection (spec §4.2: "returns gracefully
// without panicking" when a referenced node is missing under concurrent
// remove).
func (h *HNSW) connect(from, to int32, lc int) {
	if int(from) >= len(h.nodes) || h.nodes[from].deleted {
		return
	}
	for len(h.nodes[from].neighbors) <= lc {
		h.nodes[from].neighbors = append(h.nodes[from].neighbors, nil)
	}
	h.nodes[from].neighbors[lc] = append(h.nodes[from].neighbors[lc], to)

	maxNeighbors := h.mMax
	if lc == 0 {
		maxNeighbors = h.mMax0
	}
	if len(h.nodes[from].neighbors[lc]) <= maxNeighbors {
		return
	}

	candidates := make([]candidate, 0, len(h.nodes[from].neighbors[lc]))
	for _, nb := range h.nodes[from].neighbors[lc] {
		if int(nb) >= len(h.nodes) || h.nodes[nb].deleted {
			continue // missing under concurrent remove: skip, don't panic
		}
		candidates = append(candidates, candidate{idx: nb, distance: h.dist(h.nodes[from].vector, h.nodes[nb].vector)})
	}
	h.nodes[from].neighbors[lc] = h.selectNeighborsHeuristic(h.nodes[from].vector, candidates, maxNeighbors)
}

// greedyDescend performs a single-candidate (ef=1) walk at level lc from
// (entry, entryDist), returning the locally nearest node found.
func (h *HNSW) greedyDescend(query []float32, entry int32, entryDist float32, lc int) (int32, float32) {
	improved := true
	for improved {
		improved = false
		if int(entry) >= len(h.nodes) || lc >= len(h.nodes[entry].neighbors) {
			break
		}
		for _, nb := range h.nodes[entry].neighbors[lc] {
			if int(nb) >= len(h.nodes) || h.nodes[nb].deleted {
				continue
			}
			d := h.dist(query, h.nodes[nb].vector)
			if d < entryDist {
				entry, entryDist = nb, d
				improved = true
			}
		}
	}
	return entry, entryDist
}

// searchLayer performs a best-first search at level lc starting from
// entryPoints, maintaining a dynamic candidate list of size ef, and
// returns the ef nearest live nodes found, ascending by distance.
func (h *HNSW) searchLayer(query []float32, entryPoints []candidate, ef int, lc int) []candidate {
	visited := make(map[int32]bool, ef*2)
	candidates := make([]candidate, 0, len(entryPoints))
	results := make([]candidate, 0, len(entryPoints))

	for _, ep := range entryPoints {
		if int(ep.idx) >= len(h.nodes) || h.nodes[ep.idx].deleted {
			continue
		}
		visited[ep.idx] = true
		candidates = append(candidates, ep)
		results = append(results, ep)
	}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })
		cur := candidates[0]
		candidates = candidates[1:]

		sort.Slice(results, func(i, j int) bool { return results[i].distance < results[j].distance })
		if len(results) >= ef && cur.distance > results[len(results)-1].distance {
			break
		}

		if int(cur.idx) >= len(h.nodes) || lc >= len(h.nodes[cur.idx].neighbors) {
			continue
		}
		for _, nb := range h.nodes[cur.idx].neighbors[lc] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			if int(nb) >= len(h.nodes) || h.nodes[nb].deleted {
				continue
			}
			d := h.dist(query, h.nodes[nb].vector)
			if len(results) < ef {
				candidates = append(candidates, candidate{idx: nb, distance: d})
				results = append(results, candidate{idx: nb, distance: d})
			} else {
				sort.Slice(results, func(i, j int) bool { return results[i].distance < results[j].distance })
				if d < results[len(results)-1].distance {
					candidates = append(candidates, candidate{idx: nb, distance: d})
					results = append(results, candidate{idx: nb, distance: d})
				}
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].distance < results[j].distance })
	if len(results) > ef {
		results = results[:ef]
	}
	return results
}

// selectNeighborsHeuristic implements the diversity-preferring pruning
// from spec §4.2: a candidate is kept only if it is closer to the base
// point than to every neighbor already kept, which avoids clustering all
// edges toward one dense region. Falls back to padding with the remaining
// nearest candidates if the heuristic keeps fewer than maxNeighbors.
func (h *HNSW) selectNeighborsHeuristic(base []float32, candidates []candidate, maxNeighbors int) []int32 {
	sorted := append([]candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].distance < sorted[j].distance })

	selected := make([]candidate, 0, maxNeighbors)
	leftover := make([]candidate, 0, len(sorted))

	for _, c := range sorted {
		if len(selected) >= maxNeighbors {
			break
		}
		if int(c.idx) >= len(h.nodes) || h.nodes[c.idx].deleted {
			continue
		}
		good := true
		for _, s := range selected {
			if h.dist(h.nodes[c.idx].vector, h.nodes[s.idx].vector) < c.distance {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		} else {
			leftover = append(leftover, c)
		}
	}

	for _, c := range leftover {
		if len(selected) >= maxNeighbors {
			break
		}
		if int(c.idx) >= len(h.nodes) || h.nodes[c.idx].deleted {
			continue
		}
		selected = append(selected, c)
	}

	out := make([]int32, len(selected))
	for i, c := range selected {
		out[i] = c.idx
	}
	return out
}

func (h *HNSW) Search(ctx context.Context, query []float32, k int, filter Filter) ([]ScoredDocument, error) {
	if len(query) != h.dimension {
		return nil, core.Newf(core.CodeDimensionMismatch, "query has %d components, index dimension is %d", len(query), h.dimension)
	}
	if !core.Finite(query) {
		return nil, core.New(core.CodeNonFinite, "query vector contains NaN or infinite components")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == noEntryPoint {
		return nil, nil
	}

	q := query
	if h.metric == core.MetricCosine {
		q = core.Normalize(query)
	}

	entry := h.entryPoint
	entryDist := h.dist(q, h.nodes[entry].vector)
	for lc := h.maxLevel; lc > 0; lc-- {
		entry, entryDist = h.greedyDescend(q, entry, entryDist, lc)
	}

	ef := h.efSearch
	if ef < k {
		ef = k
	}
	found := h.searchLayer(q, []candidate{{idx: entry, distance: entryDist}}, ef, 0)

	results := make([]ScoredDocument, 0, len(found))
	for _, c := range found {
		if int(c.idx) >= len(h.nodes) || h.nodes[c.idx].deleted {
			continue
		}
		id := h.nodes[c.idx].id
		if filter != nil && !filter(id) {
			continue
		}
		results = append(results, ScoredDocument{ID: id, Distance: c.distance})
	}
	sortResults(results)
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (h *HNSW) Remove(ctx context.Context, id core.DocumentID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, ok := h.idIndex[id]
	if !ok {
		return nil // idempotent: already absent
	}
	h.nodes[idx].deleted = true
	delete(h.idIndex, id)
	h.tombstones++

	if idx == h.entryPoint {
		h.reassignEntryPoint()
	}
	return nil
}

// reassignEntryPoint picks any live node, preferring the highest level, as
// the new entry point after the current one is tombstoned.
func (h *HNSW) reassignEntryPoint() {
	best := noEntryPoint
	bestLevel := -1
	for i := range h.nodes {
		if h.nodes[i].deleted {
			continue
		}
		if h.nodes[i].level > bestLevel {
			best = int32(i)
			bestLevel = h.nodes[i].level
		}
	}
	h.entryPoint = best
	if best == noEntryPoint {
		h.maxLevel = 0
	} else {
		h.maxLevel = bestLevel
	}
}

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idIndex)
}

// Compact physically removes tombstoned nodes once their share of the
// arena exceeds compactionThreshold, or unconditionally when force is
// true (spec §4.2). Neighbor lists are remapped to the new arena indices;
// any neighbor whose referent no longer exists is simply dropped.
func (h *HNSW) Compact(force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) == 0 {
		return nil
	}
	ratio := float64(h.tombstones) / float64(len(h.nodes))
	if !force && ratio < compactionThreshold {
		return nil
	}

	remap := make(map[int32]int32, len(h.nodes))
	newNodes := make([]hnswNode, 0, len(h.nodes)-h.tombstones)
	for i := range h.nodes {
		if h.nodes[i].deleted {
			continue
		}
		remap[int32(i)] = int32(len(newNodes))
		newNodes = append(newNodes, h.nodes[i])
	}
	for i := range newNodes {
		for lc := range newNodes[i].neighbors {
			remapped := newNodes[i].neighbors[lc][:0]
			for _, nb := range newNodes[i].neighbors[lc] {
				if newIdx, ok := remap[nb]; ok {
					remapped = append(remapped, newIdx)
				}
			}
			newNodes[i].neighbors[lc] = remapped
		}
	}

	newIDIndex := make(map[core.DocumentID]int32, len(newNodes))
	for i, n := range newNodes {
		newIDIndex[n.id] = int32(i)
	}

	h.nodes = newNodes
	h.idIndex = newIDIndex
	h.tombstones = 0
	if oldEntry, ok := remap[h.entryPoint]; ok {
		h.entryPoint = oldEntry
	} else {
		h.reassignEntryPoint()
	}
	return nil
}

func (h *HNSW) Snapshot() (*Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	nodes := make([]SnapshotNode, len(h.nodes))
	for i, n := range h.nodes {
		neighbors := make([][]int32, len(n.neighbors))
		for lc, ns := range n.neighbors {
			neighbors[lc] = append([]int32(nil), ns...)
		}
		nodes[i] = SnapshotNode{
			ID:        n.id,
			Vector:    append([]float32(nil), n.vector...),
			Level:     n.level,
			Neighbors: neighbors,
			Deleted:   n.deleted,
		}
	}
	return &Snapshot{
		Dimension:      h.dimension,
		Metric:         h.metric,
		Kind:           KindHNSW,
		M:              h.m,
		EfConstruction: h.efConstruction,
		EntryPoint:     h.entryPoint,
		Nodes:          nodes,
	}, nil
}

// Load rebuilds the graph from snap into a fresh arena, then swaps it in
// only once fully constructed (spec §4.2: "old index is swapped only on
// success").
func (h *HNSW) Load(snap *Snapshot) error {
	if snap == nil {
		return core.New(core.CodeInvalidInput, "nil snapshot")
	}
	if snap.Dimension != h.dimension {
		return core.Newf(core.CodeDimensionMismatch, "snapshot dimension %d does not match index dimension %d", snap.Dimension, h.dimension)
	}

	nodes := make([]hnswNode, len(snap.Nodes))
	idIndex := make(map[core.DocumentID]int32, len(snap.Nodes))
	for i, n := range snap.Nodes {
		neighbors := make([][]int32, len(n.Neighbors))
		for lc, ns := range n.Neighbors {
			neighbors[lc] = append([]int32(nil), ns...)
		}
		nodes[i] = hnswNode{
			id:        n.ID,
			vector:    append([]float32(nil), n.Vector...),
			level:     n.Level,
			neighbors: neighbors,
			deleted:   n.Deleted,
		}
		if !n.Deleted {
			idIndex[n.ID] = int32(i)
		}
	}

	maxLevel := 0
	for _, n := range nodes {
		if !n.deleted && n.level > maxLevel {
			maxLevel = n.level
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = nodes
	h.idIndex = idIndex
	h.entryPoint = snap.EntryPoint
	h.maxLevel = maxLevel
	h.metric = snap.Metric
	h.tombstones = 0
	for _, n := range nodes {
		if n.deleted {
			h.tombstones++
		}
	}
	if int(h.entryPoint) >= len(h.nodes) || (len(h.nodes) > 0 && h.nodes[h.entryPoint].deleted) {
		h.reassignEntryPoint()
	}
	if len(h.nodes) == 0 {
		h.entryPoint = noEntryPoint
	}
	return nil
}
