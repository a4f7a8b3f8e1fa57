package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/fyrsmithlabs/akidb/internal/index"
	"github.com/fyrsmithlabs/akidb/internal/storage"
	"go.uber.org/zap"
)

// embeddingMaxAttempts is the spec §4.5 retry budget for a failed
// embedding call: 3 attempts total (1 initial + 2 retries). WAL failures
// never retry at this layer — the upper layer decides (spec §4.5).
const embeddingMaxAttempts = 3

// InsertDocumentRequest is the validated input to InsertDocument. Exactly
// one of Vector or Text must be usable: Vector takes precedence when
// both are set.
type InsertDocumentRequest struct {
	Vector   []float32
	Text     string
	Metadata map[string]interface{}
}

// QueryRequest is the input to Query. Exactly one of Vector or Text must
// be usable; Filter is optional and AND-combines its predicates (spec
// §4.5).
type QueryRequest struct {
	Vector []float32
	Text   string
	K      int
	Filter []Predicate
}

// Predicate is one AND-combined equality/range clause evaluated against a
// document's stored metadata during query() post-filtering.
type Predicate struct {
	Field string
	Op    PredicateOp
	Value interface{}
}

// PredicateOp enumerates the comparison operators query() post-filtering
// supports (spec §4.5: "equality and range predicates").
type PredicateOp string

const (
	OpEqual   PredicateOp = "eq"
	OpGreater PredicateOp = "gt"
	OpGTE     PredicateOp = "gte"
	OpLess    PredicateOp = "lt"
	OpLTE     PredicateOp = "lte"
)

// CollectionMetrics is the point-in-time snapshot returned by Metrics()
// (spec §4.5): doc count, last insert time, and current tier.
type CollectionMetrics struct {
	DocCount       int64
	LastInsertTime time.Time
	Tier           storage.Tier
}

// embedOne resolves req's vector, embedding req.Text through the
// batcher with bounded retries if no vector was supplied directly. A
// collection with no embedding_model configured can only accept
// caller-supplied vectors.
func (s *Service) embedOne(ctx context.Context, text string, dimension int) ([]float32, error) {
	if s.batcher == nil {
		return nil, core.New(core.CodeInvalidInput, "no embedding provider configured")
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), embeddingMaxAttempts-1)
	policy := backoff.WithContext(bo, ctx)

	var vector []float32
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			embeddingRetriesTotal.Inc()
		}
		v, err := s.batcher.Embed(ctx, text, true)
		if err != nil {
			return err
		}
		vector = v
		return nil
	}, policy)
	if err != nil {
		return nil, core.Wrap(core.CodeUnavailable, "embedding", err)
	}
	if len(vector) != dimension {
		return nil, core.Newf(core.CodeDimensionMismatch, "embedding produced %d components, collection dimension is %d", len(vector), dimension)
	}
	return vector, nil
}

// resolveVector implements spec §4.5 steps 1-3 for both insert_document
// and query: prefer an explicit vector (validated for dimension and
// finiteness), else embed req's text if the collection has a model.
func (s *Service) resolveVector(ctx context.Context, cs *collectionState, vector []float32, text string) ([]float32, error) {
	if vector != nil {
		if len(vector) != cs.meta.Dimension {
			return nil, core.Newf(core.CodeDimensionMismatch, "vector has %d components, collection dimension is %d", len(vector), cs.meta.Dimension)
		}
		if !core.Finite(vector) {
			return nil, core.New(core.CodeNonFinite, "vector contains NaN or infinite components")
		}
		return vector, nil
	}
	if text == "" {
		return nil, core.New(core.CodeInvalidInput, "request has neither vector nor text")
	}
	if cs.meta.EmbeddingModel == "" {
		return nil, core.New(core.CodeInvalidInput, "collection has no embedding_model configured")
	}
	return s.embedOne(ctx, text, cs.meta.Dimension)
}

// InsertDocument implements spec §4.5 insert_document: resolve the
// vector, append a durable WAL record, then mutate the index. On any
// failure after the WAL write begins, the WAL is truncated back to the
// last committed LSN so a half-written record never lingers and the
// index is never left out of sync with it.
func (s *Service) InsertDocument(ctx context.Context, collectionID core.CollectionID, req InsertDocumentRequest) (core.DocumentID, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return core.DocumentID{}, err
	}

	cs, err := s.getOrLoadCollection(ctx, collectionID)
	if err != nil {
		s.logError(ctx, "insert_document", err)
		insertsTotal.WithLabelValues("error").Inc()
		return core.DocumentID{}, err
	}
	if err := s.authorizeCollection(ctx, tenantID, cs.meta.DatabaseID); err != nil {
		s.logError(ctx, "insert_document", err)
		insertsTotal.WithLabelValues("error").Inc()
		return core.DocumentID{}, err
	}

	vector, err := s.resolveVector(ctx, cs, req.Vector, req.Text)
	if err != nil {
		s.logError(ctx, "insert_document", err)
		insertsTotal.WithLabelValues("error").Inc()
		return core.DocumentID{}, err
	}

	metaBytes, err := json.Marshal(req.Metadata)
	if err != nil {
		err = core.Wrap(core.CodeInvalidInput, "metadata", err)
		s.logError(ctx, "insert_document", err)
		insertsTotal.WithLabelValues("error").Inc()
		return core.DocumentID{}, err
	}
	if s.scrubber != nil {
		metaBytes = []byte(s.scrubber.Scrub(string(metaBytes)))
	}

	docID := core.NewDocumentID()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	lsn, err := cs.wal.Append(storage.OpInsert, docID, vector, metaBytes)
	if err != nil {
		if terr := cs.wal.Truncate(cs.lastCommittedLSN.Load()); terr != nil {
			s.logger.Error(ctx, "WAL truncate after failed append also failed", zap.Error(terr), zap.String("collection_id", collectionID.String()))
		}
		wrapped := translate(err, "collection:"+collectionID.String())
		s.logError(ctx, "insert_document", wrapped)
		insertsTotal.WithLabelValues("error").Inc()
		return core.DocumentID{}, wrapped
	}
	cs.lastCommittedLSN.Store(lsn)

	if err := cs.idx.Insert(ctx, docID, vector); err != nil {
		// The WAL record is already durable; the index will catch up on
		// the next replay from this LSN. Surface Internal rather than
		// pretending the insert failed outright.
		wrapped := core.Wrap(core.CodeInternal, "collection:"+collectionID.String(), err)
		s.logError(ctx, "insert_document", wrapped)
		insertsTotal.WithLabelValues("error").Inc()
		return core.DocumentID{}, wrapped
	}

	if len(req.Metadata) > 0 {
		cs.docMetaMu.Lock()
		cs.docMeta[docID] = req.Metadata
		cs.docMetaMu.Unlock()
	}
	cs.docCount.Add(1)
	now := time.Now()
	cs.touchInsert(now)

	if s.tiering != nil {
		if err := s.tiering.Touch(ctx, collectionID.String(), now); err != nil {
			s.logError(ctx, "insert_document:tiering", translate(err, "collection:"+collectionID.String()))
		}
	}

	insertsTotal.WithLabelValues("success").Inc()
	return docID, nil
}

// matchPredicate evaluates one predicate against a document's decoded
// metadata. A field absent from the document's metadata never matches,
// including "not equal" style comparisons — there is no negation
// operator in spec §4.5's predicate set.
func matchPredicate(meta map[string]interface{}, p Predicate) bool {
	v, ok := meta[p.Field]
	if !ok {
		return false
	}
	if p.Op == OpEqual {
		return v == p.Value
	}
	vf, vOK := toFloat64(v)
	pf, pOK := toFloat64(p.Value)
	if !vOK || !pOK {
		return false
	}
	switch p.Op {
	case OpGreater:
		return vf > pf
	case OpGTE:
		return vf >= pf
	case OpLess:
		return vf < pf
	case OpLTE:
		return vf <= pf
	default:
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// buildFilter turns a Predicate slice into an index.Filter closure, AND
// combining every clause (spec §4.5).
func (cs *collectionState) buildFilter(predicates []Predicate) index.Filter {
	if len(predicates) == 0 {
		return nil
	}
	return func(id core.DocumentID) bool {
		cs.docMetaMu.RLock()
		meta := cs.docMeta[id]
		cs.docMetaMu.RUnlock()
		for _, p := range predicates {
			if !matchPredicate(meta, p) {
				return false
			}
		}
		return true
	}
}

// Query implements spec §4.5 query: resolve the vector (embedding text
// if needed), dispatch to the index, and AND-combine any metadata
// predicates as a post-filter. Queries never take the collection write
// lock — the index handles its own read/write concurrency (spec §5).
func (s *Service) Query(ctx context.Context, collectionID core.CollectionID, req QueryRequest) ([]index.ScoredDocument, error) {
	start := time.Now()
	defer func() { queryDuration.Observe(time.Since(start).Seconds()) }()

	tenantID, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}

	cs, err := s.getOrLoadCollection(ctx, collectionID)
	if err != nil {
		s.logError(ctx, "query", err)
		queriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := s.authorizeCollection(ctx, tenantID, cs.meta.DatabaseID); err != nil {
		s.logError(ctx, "query", err)
		queriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if req.K <= 0 {
		err := core.New(core.CodeInvalidInput, "k must be positive")
		s.logError(ctx, "query", err)
		queriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	vector, err := s.resolveVector(ctx, cs, req.Vector, req.Text)
	if err != nil {
		s.logError(ctx, "query", err)
		queriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	results, err := cs.idx.Search(ctx, vector, req.K, cs.buildFilter(req.Filter))
	if err != nil {
		wrapped := translate(err, "collection:"+collectionID.String())
		s.logError(ctx, "query", wrapped)
		queriesTotal.WithLabelValues("error").Inc()
		return nil, wrapped
	}

	queriesTotal.WithLabelValues("success").Inc()
	return results, nil
}

// DeleteDocument implements spec §4.5 delete_document: a WAL tombstone
// followed by an index tombstone, under the collection write lock.
func (s *Service) DeleteDocument(ctx context.Context, collectionID core.CollectionID, docID core.DocumentID) error {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return err
	}

	cs, err := s.getOrLoadCollection(ctx, collectionID)
	if err != nil {
		s.logError(ctx, "delete_document", err)
		return err
	}
	if err := s.authorizeCollection(ctx, tenantID, cs.meta.DatabaseID); err != nil {
		s.logError(ctx, "delete_document", err)
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	lsn, err := cs.wal.Append(storage.OpDelete, docID, nil, nil)
	if err != nil {
		if terr := cs.wal.Truncate(cs.lastCommittedLSN.Load()); terr != nil {
			s.logger.Error(ctx, "WAL truncate after failed append also failed", zap.Error(terr), zap.String("collection_id", collectionID.String()))
		}
		wrapped := translate(err, "collection:"+collectionID.String())
		s.logError(ctx, "delete_document", wrapped)
		return wrapped
	}
	cs.lastCommittedLSN.Store(lsn)

	if err := cs.idx.Remove(ctx, docID); err != nil {
		wrapped := core.Wrap(core.CodeInternal, "collection:"+collectionID.String(), err)
		s.logError(ctx, "delete_document", wrapped)
		return wrapped
	}

	cs.docMetaMu.Lock()
	delete(cs.docMeta, docID)
	cs.docMetaMu.Unlock()
	cs.docCount.Add(-1)

	return nil
}

// Compact implements spec §4.5 compact: index tombstone compaction under
// the write lock, then a durable snapshot of the compacted index (spec
// §4.5: "compact(collection_id) triggers snapshot + index tombstone
// compaction"). A snapshot failure is logged but never fails Compact
// itself — the tombstone compaction already committed, and the next
// periodic or reaped snapshot attempt (cmd/akidb) will retry it.
func (s *Service) Compact(ctx context.Context, collectionID core.CollectionID) error {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return err
	}

	cs, err := s.getOrLoadCollection(ctx, collectionID)
	if err != nil {
		s.logError(ctx, "compact", err)
		compactionsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := s.authorizeCollection(ctx, tenantID, cs.meta.DatabaseID); err != nil {
		s.logError(ctx, "compact", err)
		compactionsTotal.WithLabelValues("error").Inc()
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := cs.idx.Compact(true); err != nil {
		wrapped := translate(err, "collection:"+collectionID.String())
		s.logError(ctx, "compact", wrapped)
		compactionsTotal.WithLabelValues("error").Inc()
		return wrapped
	}

	if s.snapshotter != nil {
		rows, err := cs.exportRows()
		if err != nil {
			s.logError(ctx, "compact:snapshot", translate(err, "collection:"+collectionID.String()))
		} else if _, err := s.snapshotter.Snapshot(ctx, collectionID.String(), cs.lastCommittedLSN.Load(), snapshotMetaFromCollection(cs.meta), rows); err != nil {
			s.logError(ctx, "compact:snapshot", translate(err, "collection:"+collectionID.String()))
		}
	}

	compactionsTotal.WithLabelValues("success").Inc()
	return nil
}

// Metrics implements spec §4.5 metrics(): point-in-time doc count, last
// insert time, and current tier.
func (s *Service) Metrics(ctx context.Context, collectionID core.CollectionID) (CollectionMetrics, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return CollectionMetrics{}, err
	}

	cs, err := s.getOrLoadCollection(ctx, collectionID)
	if err != nil {
		return CollectionMetrics{}, err
	}
	if err := s.authorizeCollection(ctx, tenantID, cs.meta.DatabaseID); err != nil {
		return CollectionMetrics{}, err
	}

	tier := storage.TierHot
	if s.tiering != nil {
		tier = s.tiering.Tier(collectionID.String())
	}

	return CollectionMetrics{
		DocCount:       cs.docCount.Load(),
		LastInsertTime: cs.lastInsertTime(),
		Tier:           tier,
	}, nil
}
