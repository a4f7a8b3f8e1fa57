// Package index implements AkiDB's vector indexes: an HNSW graph for
// approximate search and a brute-force linear scan for exactness or small
// collections (spec §4.2). Both are accessed through the Index capability
// set so the service layer can swap implementations per collection.
package index

import (
	"context"
	"sort"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

// Filter restricts search results to documents for which it returns true.
// The index has no notion of metadata; callers (internal/service) build a
// Filter from a metadata predicate before dispatching to Search, per the
// division of labor in spec §4.5 ("post-filter by metadata if filter is
// supplied").
type Filter func(id core.DocumentID) bool

// ScoredDocument is one (doc_id, distance) result pair.
type ScoredDocument struct {
	ID       core.DocumentID
	Distance float32
}

// Index is the capability set every vector index variant implements
// (spec §4.2, design note: "tagged variants behind a small capability set").
// The set of variants (HNSW, BruteForce) is closed, so AkiDB dispatches on
// a concrete type behind this interface rather than registering plugins.
type Index interface {
	// Insert validates dimension/finiteness and adds vector under id.
	// All-or-nothing: on error the index is unchanged.
	Insert(ctx context.Context, id core.DocumentID, vector []float32) error

	// Search returns up to k (doc_id, distance) pairs in ascending distance
	// order, ties broken by doc_id ascending. filter may be nil.
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]ScoredDocument, error)

	// Remove tombstones id. Tombstones are physically reclaimed by Compact.
	Remove(ctx context.Context, id core.DocumentID) error

	// Len returns the number of live (non-tombstoned) documents.
	Len() int

	// Dimension returns the fixed vector dimension for this index.
	Dimension() int

	// Snapshot produces a serializable point-in-time copy for the
	// snapshotter, obtained under a short internal lock (spec §4.3.3).
	Snapshot() (*Snapshot, error)

	// Load rebuilds the index atomically from a snapshot; the previous
	// index state is kept until the new one is fully built, then swapped.
	Load(snap *Snapshot) error

	// Compact physically removes tombstoned entries once their share
	// exceeds the configured threshold. Safe to call unconditionally;
	// it is a no-op below threshold unless force is true.
	Compact(force bool) error
}

// sortResults orders results by ascending distance, ties by doc_id
// ascending (spec §4.2, invariant 3 of spec §8).
func sortResults(results []ScoredDocument) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID.String() < results[j].ID.String()
	})
}

func validateVector(vector []float32, dimension int) error {
	if len(vector) != dimension {
		return core.Newf(core.CodeDimensionMismatch, "vector has %d components, collection dimension is %d", len(vector), dimension)
	}
	if !core.Finite(vector) {
		return core.New(core.CodeNonFinite, "vector contains NaN or infinite components")
	}
	return nil
}
