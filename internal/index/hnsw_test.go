package index

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHNSWDimensionMismatch(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(4, core.MetricL2))
	err := h.Insert(context.Background(), core.NewDocumentID(), []float32{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, core.CodeDimensionMismatch, core.CodeOf(err))
}

func TestHNSWNonFiniteVector(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(3, core.MetricL2))
	err := h.Insert(context.Background(), core.NewDocumentID(), []float32{1, float32(math.NaN()), 3})
	require.Error(t, err)
	assert.Equal(t, core.CodeNonFinite, core.CodeOf(err))
}

func TestHNSWCosineSearchScenario(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(4, core.MetricCosine))
	ctx := context.Background()

	doc1, doc2, doc3 := core.NewDocumentID(), core.NewDocumentID(), core.NewDocumentID()
	require.NoError(t, h.Insert(ctx, doc1, []float32{1, 0, 0, 0}))
	require.NoError(t, h.Insert(ctx, doc2, []float32{0, 1, 0, 0}))
	require.NoError(t, h.Insert(ctx, doc3, []float32{1, 1, 0, 0}))

	results, err := h.Search(ctx, []float32{1, 0.1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, doc1, results[0].ID)
	assert.Equal(t, doc3, results[1].ID)
	assert.InDelta(t, 1-0.995, results[0].Distance, 0.02)
	assert.InDelta(t, 1-0.778, results[1].Distance, 0.02)
}

func TestHNSWSearchResultsAscendingWithTieBreak(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(2, core.MetricL2))
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Insert(ctx, core.NewDocumentID(), []float32{float32(i), 0}))
		if i > 0 {
			// mirrored point at the same distance from the query, so ties occur
			require.NoError(t, h.Insert(ctx, core.NewDocumentID(), []float32{float32(-i), 0}))
		}
	}
	results, err := h.Search(ctx, []float32{0, 0}, 10, nil)
	require.NoError(t, err)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
		if results[i-1].Distance == results[i].Distance {
			assert.Less(t, results[i-1].ID.String(), results[i].ID.String())
		}
	}
}

func TestHNSWRemoveThenSearchExcludesDoc(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(2, core.MetricL2))
	ctx := context.Background()
	doc := core.NewDocumentID()
	require.NoError(t, h.Insert(ctx, doc, []float32{1, 1}))
	require.NoError(t, h.Insert(ctx, core.NewDocumentID(), []float32{5, 5}))

	require.NoError(t, h.Remove(ctx, doc))
	results, err := h.Search(ctx, []float32{1, 1}, 5, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, doc, r.ID)
	}
}

func TestHNSWRemoveUnknownIsIdempotent(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(2, core.MetricL2))
	err := h.Remove(context.Background(), core.NewDocumentID())
	assert.NoError(t, err)
}

func TestHNSWSnapshotLoadRoundTrip(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(3, core.MetricL2))
	ctx := context.Background()
	ids := make([]core.DocumentID, 0, 50)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		id := core.NewDocumentID()
		ids = append(ids, id)
		require.NoError(t, h.Insert(ctx, id, []float32{r.Float32(), r.Float32(), r.Float32()}))
	}

	snap, err := h.Snapshot()
	require.NoError(t, err)

	reloaded := NewHNSW(DefaultHNSWParams(3, core.MetricL2))
	require.NoError(t, reloaded.Load(snap))

	query := []float32{0.5, 0.5, 0.5}
	before, err := h.Search(ctx, query, 5, nil)
	require.NoError(t, err)
	after, err := reloaded.Search(ctx, query, 5, nil)
	require.NoError(t, err)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
}

func TestHNSWCompactRemovesTombstones(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(2, core.MetricL2))
	ctx := context.Background()
	var ids []core.DocumentID
	for i := 0; i < 10; i++ {
		id := core.NewDocumentID()
		ids = append(ids, id)
		require.NoError(t, h.Insert(ctx, id, []float32{float32(i), 0}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Remove(ctx, ids[i]))
	}
	require.NoError(t, h.Compact(true))
	assert.Equal(t, 5, h.Len())
	assert.Len(t, h.nodes, 5)
}

func TestHNSWConcurrentInsertAndSearchDoesNotPanic(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(8, core.MetricL2))
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := make([]float32, 8)
			for j := range v {
				v[j] = float32(i + j)
			}
			_ = h.Insert(ctx, core.NewDocumentID(), v)
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Search(ctx, make([]float32, 8), 5, nil)
		}()
	}
	wg.Wait()
}

func TestHNSWConcurrentRemoveDuringPruningDoesNotPanic(t *testing.T) {
	h := NewHNSW(DefaultHNSWParams(4, core.MetricL2))
	ctx := context.Background()
	var ids []core.DocumentID
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		id := core.NewDocumentID()
		ids = append(ids, id)
		v := []float32{r.Float32(), r.Float32(), r.Float32(), r.Float32()}
		require.NoError(t, h.Insert(ctx, id, v))
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.Remove(ctx, ids[i])
		}(i)
	}
	for i := 100; i < 150; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := []float32{r.Float32(), r.Float32(), r.Float32(), r.Float32()}
			_ = h.Insert(ctx, core.NewDocumentID(), v)
		}(i)
	}
	wg.Wait()

	assert.NotPanics(t, func() {
		_, _ = h.Search(ctx, []float32{0, 0, 0, 0}, 10, nil)
	})
}

// bruteForceGroundTruth computes exact top-k by linear scan for recall
// comparison.
func bruteForceGroundTruth(vectors map[core.DocumentID][]float32, query []float32, k int) []core.DocumentID {
	type scored struct {
		id core.DocumentID
		d  float32
	}
	all := make([]scored, 0, len(vectors))
	for id, v := range vectors {
		all = append(all, scored{id: id, d: core.L2(query, v)})
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].d < all[i].d {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > k {
		all = all[:k]
	}
	out := make([]core.DocumentID, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}

// TestHNSWRecallAtK exercises spec §8 invariant 4 at a reduced scale
// (1,000 vectors / 50 queries) so it runs fast in CI; recall must still
// clear the 0.95 bar the spec sets for the full 10k-vector scenario.
func TestHNSWRecallAtK(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recall benchmark in short mode")
	}
	const (
		n   = 1000
		dim = 32
		k   = 10
	)
	r := rand.New(rand.NewSource(42))
	h := NewHNSW(DefaultHNSWParams(dim, core.MetricL2))
	vectors := make(map[core.DocumentID][]float32, n)
	ctx := context.Background()

	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.Float32()
		}
		id := core.NewDocumentID()
		vectors[id] = v
		require.NoError(t, h.Insert(ctx, id, v))
	}

	var totalRecall float64
	const queries = 50
	for q := 0; q < queries; q++ {
		query := make([]float32, dim)
		for j := range query {
			query[j] = r.Float32()
		}
		truth := bruteForceGroundTruth(vectors, query, k)
		truthSet := make(map[core.DocumentID]bool, k)
		for _, id := range truth {
			truthSet[id] = true
		}

		got, err := h.Search(ctx, query, k, nil)
		require.NoError(t, err)

		hits := 0
		for _, r := range got {
			if truthSet[r.ID] {
				hits++
			}
		}
		totalRecall += float64(hits) / float64(len(truth))
	}

	avgRecall := totalRecall / queries
	assert.GreaterOrEqual(t, avgRecall, 0.95, "average recall@%d was %.3f", k, avgRecall)
}
