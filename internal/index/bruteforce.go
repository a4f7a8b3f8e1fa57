package index

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

// BruteForce is a linear-scan exact index, used when a collection is small
// or exactness is required (spec §4.2). Reads never block each other;
// writes take the exclusive lock briefly.
type BruteForce struct {
	mu        sync.RWMutex
	dimension int
	metric    core.Metric
	vectors   map[core.DocumentID][]float32
	order     []core.DocumentID // insertion order, for deterministic snapshot output
}

// NewBruteForce constructs an empty brute-force index for the given
// dimension and metric.
func NewBruteForce(dimension int, metric core.Metric) *BruteForce {
	return &BruteForce{
		dimension: dimension,
		metric:    metric,
		vectors:   make(map[core.DocumentID][]float32),
	}
}

func (b *BruteForce) Dimension() int { return b.dimension }

func (b *BruteForce) Insert(ctx context.Context, id core.DocumentID, vector []float32) error {
	if err := validateVector(vector, b.dimension); err != nil {
		return err
	}
	stored := vector
	if b.metric == core.MetricCosine {
		stored = core.Normalize(vector)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.vectors[id]; !exists {
		b.order = append(b.order, id)
	}
	b.vectors[id] = stored
	return nil
}

func (b *BruteForce) Search(ctx context.Context, query []float32, k int, filter Filter) ([]ScoredDocument, error) {
	if len(query) != b.dimension {
		return nil, core.Newf(core.CodeDimensionMismatch, "query has %d components, index dimension is %d", len(query), b.dimension)
	}
	if !core.Finite(query) {
		return nil, core.New(core.CodeNonFinite, "query vector contains NaN or infinite components")
	}
	q := query
	if b.metric == core.MetricCosine {
		q = core.Normalize(query)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	results := make([]ScoredDocument, 0, len(b.vectors))
	for _, id := range b.order {
		vec, ok := b.vectors[id]
		if !ok {
			continue // tombstoned
		}
		if filter != nil && !filter(id) {
			continue
		}
		results = append(results, ScoredDocument{ID: id, Distance: core.Distance(b.metric, q, vec)})
	}
	sortResults(results)
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (b *BruteForce) Remove(ctx context.Context, id core.DocumentID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vectors, id)
	return nil
}

func (b *BruteForce) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vectors)
}

// Compact drops tombstoned order entries; BruteForce has no structural
// graph to prune so this only trims the order slice.
func (b *BruteForce) Compact(force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.order[:0:0]
	for _, id := range b.order {
		if _, ok := b.vectors[id]; ok {
			live = append(live, id)
		}
	}
	b.order = live
	return nil
}

func (b *BruteForce) Snapshot() (*Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	nodes := make([]SnapshotNode, 0, len(b.vectors))
	for _, id := range b.order {
		vec, ok := b.vectors[id]
		if !ok {
			continue
		}
		nodes = append(nodes, SnapshotNode{ID: id, Vector: append([]float32(nil), vec...)})
	}
	return &Snapshot{
		Dimension: b.dimension,
		Metric:    b.metric,
		Kind:      KindBruteForce,
		Nodes:     nodes,
	}, nil
}

func (b *BruteForce) Load(snap *Snapshot) error {
	if snap == nil {
		return core.New(core.CodeInvalidInput, "nil snapshot")
	}
	if snap.Dimension != b.dimension {
		return core.Newf(core.CodeDimensionMismatch, "snapshot dimension %d does not match index dimension %d", snap.Dimension, b.dimension)
	}

	vectors := make(map[core.DocumentID][]float32, len(snap.Nodes))
	order := make([]core.DocumentID, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.Deleted {
			continue
		}
		vectors[n.ID] = n.Vector
		order = append(order, n.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors = vectors
	b.order = order
	b.metric = snap.Metric
	return nil
}
