package index

import "github.com/fyrsmithlabs/akidb/internal/core"

// SnapshotNode is one arena slot in a serialized HNSW graph: the document
// it holds (if any — a tombstoned slot keeps its index stable but carries
// no live document), its vector, and its per-level neighbor lists stored
// as arena indices (spec §9: "arena of nodes with integer indices, not
// object references").
type SnapshotNode struct {
	ID        core.DocumentID
	Vector    []float32
	Level     int
	Neighbors [][]int32
	Deleted   bool
}

// Snapshot is the serializable representation index.Snapshot() produces
// for the storage snapshotter (spec §4.2, §4.3.3). For BruteForce indexes
// Nodes carries one entry per document with Level 0 and empty Neighbors.
type Snapshot struct {
	Dimension      int
	Metric         core.Metric
	Kind           Kind
	M              int
	EfConstruction int
	EntryPoint     int32
	Nodes          []SnapshotNode
}

// Kind identifies which Index variant produced/consumes a Snapshot.
type Kind string

const (
	KindHNSW       Kind = "HNSW"
	KindBruteForce Kind = "BruteForce"
)

// Params bundles the construction parameters for an Index, covering both
// variants named in spec §3 (Collection.index_kind).
type Params struct {
	Kind           Kind
	Dimension      int
	Metric         core.Metric
	M              int // HNSW only
	EfConstruction int // HNSW only
	EfSearch       int // HNSW only, default per-query ef
}

// DefaultHNSWParams returns the spec §4.2 defaults: M=16, ef_construction=200,
// ef_search=64.
func DefaultHNSWParams(dimension int, metric core.Metric) Params {
	return Params{
		Kind:           KindHNSW,
		Dimension:      dimension,
		Metric:         metric,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
	}
}

// New constructs the Index variant named by p.Kind.
func New(p Params) (Index, error) {
	switch p.Kind {
	case KindHNSW:
		return NewHNSW(p), nil
	case KindBruteForce:
		return NewBruteForce(p.Dimension, p.Metric), nil
	default:
		return nil, core.Newf(core.CodeInvalidInput, "unknown index kind %q", p.Kind)
	}
}
