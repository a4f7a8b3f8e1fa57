package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/fyrsmithlabs/akidb/internal/embedding"
	"github.com/fyrsmithlabs/akidb/internal/index"
	"github.com/fyrsmithlabs/akidb/internal/logging"
	"github.com/fyrsmithlabs/akidb/internal/metadata"
	"github.com/fyrsmithlabs/akidb/internal/storage"
)

// Service orchestrates ingest, query, and lifecycle for collections (spec
// §4.5). It is the single place that acquires the per-collection write
// lock and the single place lower-layer errors get translated into the
// stable taxonomy (spec §7). Lock ordering throughout this package
// follows spec §5: metadata → collection write lock → index internal
// lock; no method here ever holds a collectionState.mu while calling back
// into s.repo.
type Service struct {
	repo        *metadata.Repository
	batcher     *embedding.Batcher
	logger      *logging.Logger
	scrubber    *storage.MetadataScrubber // optional; nil disables metadata scrubbing
	tiering     *storage.TieringManager   // optional; installed via SetTiering once constructed
	snapshotter *storage.Snapshotter      // optional; nil disables compact()-triggered snapshots and startup restore
	walDir      string

	errLimiter *errorLogLimiter

	mu          sync.RWMutex
	collections map[core.CollectionID]*collectionState
}

// collectionState is the in-memory handle for one loaded collection: its
// metadata, its index, its WAL, and the bookkeeping insert_document and
// metrics() need. cs.mu is the "collection write lock" named in spec §5
// and §4.5; it serializes insert_document/delete_document/compact for
// this collection only — other collections are untouched.
type collectionState struct {
	mu sync.Mutex

	meta *metadata.Collection
	idx  index.Index
	wal  *storage.WAL

	// docMeta holds each live document's decoded metadata for post-filter
	// evaluation in query() (spec §4.5: "post-filter by metadata if filter
	// is supplied"). The index itself only stores vectors, so filtering
	// needs a side table; docMetaMu is separate from mu so queries never
	// block on the write lock.
	docMetaMu sync.RWMutex
	docMeta   map[core.DocumentID]map[string]interface{}

	docCount atomic.Int64

	// lastCommittedLSN is the LSN of the last record known to be durable;
	// on an Append failure the WAL is truncated back to this point so a
	// partially-flushed record never lingers (spec §4.5 step 7).
	lastCommittedLSN atomic.Uint64

	// cachedLastInsert comes from the snapshot manifest at load time;
	// observedLastInsert is set on every successful insert since. metrics()
	// combines the two via laterOrUnknown so a freshly loaded collection
	// with no inserts yet doesn't report a bogus "now".
	tsMu               sync.Mutex
	cachedLastInsert   time.Time
	observedLastInsert time.Time
}

// NewService wires the collaborators a running collection service needs.
// batcher, scrubber, and snapshotter may be nil; walDir must be a writable
// directory where "<collection_id>.wal" files live. tiering is installed
// later via SetTiering, since a TieringManager needs this Service as its
// TierMover — a genuine construction cycle the caller closes by building
// both, then calling SetTiering.
func NewService(repo *metadata.Repository, batcher *embedding.Batcher, logger *logging.Logger, scrubber *storage.MetadataScrubber, snapshotter *storage.Snapshotter, walDir string) *Service {
	return &Service{
		repo:        repo,
		batcher:     batcher,
		logger:      logger,
		scrubber:    scrubber,
		snapshotter: snapshotter,
		walDir:      walDir,
		errLimiter:  newErrorLogLimiter(),
		collections: make(map[core.CollectionID]*collectionState),
	}
}

// SetTiering installs the collection's tiering manager once both it and
// the Service have been constructed. Must be called before the daemon
// starts serving requests; it is not safe to call concurrently with
// InsertDocument/Metrics.
func (s *Service) SetTiering(tiering *storage.TieringManager) {
	s.tiering = tiering
}

// indexParamsFor builds an index.Params from a collection's stored
// IndexKind/IndexParams, filling in the spec §4.2 HNSW defaults when the
// collection didn't pin specific construction parameters.
func indexParamsFor(c *metadata.Collection) index.Params {
	switch c.IndexKind {
	case metadata.IndexKindBruteForce:
		return index.Params{Kind: index.KindBruteForce, Dimension: c.Dimension, Metric: c.Metric}
	default:
		p := index.DefaultHNSWParams(c.Dimension, c.Metric)
		if c.IndexParams.M > 0 {
			p.M = c.IndexParams.M
		}
		if c.IndexParams.EfConstruction > 0 {
			p.EfConstruction = c.IndexParams.EfConstruction
		}
		return p
	}
}

// getOrLoadCollection resolves collection metadata (acquiring it fresh
// from s.repo, never cached across calls: a collection's metadata is
// small and authoritative lookups keep rename/delete races simple), then
// returns the in-memory handle for it, loading the index and opening the
// WAL (replaying it to rebuild index state) on first use.
func (s *Service) getOrLoadCollection(ctx context.Context, collectionID core.CollectionID) (*collectionState, error) {
	meta, err := s.repo.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, translate(err, "collection:"+collectionID.String())
	}

	s.mu.RLock()
	cs, ok := s.collections[collectionID]
	s.mu.RUnlock()
	if ok {
		return cs, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.collections[collectionID]; ok {
		return cs, nil
	}

	idx, err := index.New(indexParamsFor(meta))
	if err != nil {
		return nil, translate(err, "collection:"+collectionID.String())
	}

	newCS := &collectionState{
		meta:    meta,
		idx:     idx,
		docMeta: make(map[core.DocumentID]map[string]interface{}),
	}

	// Recovery replays from the last durable snapshot's LSN watermark
	// (spec §4.3.1): seed the index and doc-metadata side table from the
	// latest snapshot, if one exists, before the WAL replay below applies
	// only what happened after it.
	var restoredLSN uint64
	restored := false
	if s.snapshotter != nil {
		manifest, rows, err := s.snapshotter.Load(ctx, collectionID.String())
		if err != nil {
			return nil, translate(err, "snapshot:"+collectionID.String())
		}
		if manifest != nil {
			restored = true
			for _, row := range rows {
				if err := idx.Insert(ctx, row.DocID, row.Vector); err != nil {
					return nil, translate(err, "collection:"+collectionID.String())
				}
				if len(row.Meta) > 0 {
					var decoded map[string]interface{}
					if err := json.Unmarshal(row.Meta, &decoded); err == nil {
						newCS.docMeta[row.DocID] = decoded
					}
				}
				newCS.docCount.Add(1)
			}
			for _, entry := range manifest.Snapshots {
				if entry.LSN > restoredLSN {
					restoredLSN = entry.LSN
					newCS.setCachedLastInsert(entry.CreatedAt)
				}
			}
			newCS.lastCommittedLSN.Store(restoredLSN)
		}
	}

	walPath := filepath.Join(s.walDir, collectionID.String()+".wal")
	onReplay := func(r storage.Record) error {
		if restored && r.LSN <= restoredLSN {
			newCS.lastCommittedLSN.Store(r.LSN)
			return nil
		}
		switch r.Op {
		case storage.OpInsert:
			if err := idx.Insert(ctx, r.DocID, r.Vector); err != nil {
				return err
			}
			if len(r.Meta) > 0 {
				var decoded map[string]interface{}
				if err := json.Unmarshal(r.Meta, &decoded); err == nil {
					newCS.docMeta[r.DocID] = decoded
				}
			}
			newCS.docCount.Add(1)
		case storage.OpDelete:
			if err := idx.Remove(ctx, r.DocID); err != nil {
				return err
			}
			delete(newCS.docMeta, r.DocID)
			newCS.docCount.Add(-1)
		}
		newCS.lastCommittedLSN.Store(r.LSN)
		return nil
	}

	wal, err := storage.OpenForAppend(walPath, s.logger.Underlying(), onReplay)
	if err != nil {
		return nil, translate(err, "wal:"+collectionID.String())
	}
	newCS.wal = wal

	s.collections[collectionID] = newCS
	return newCS, nil
}

// laterOrUnknown returns the later of cached and observed, treating a
// zero time.Time as "unknown" rather than as the start of the Unix epoch
// (spec §4.5: "missing values are treated as unknown, never panicking").
func laterOrUnknown(cached, observed time.Time) time.Time {
	if cached.IsZero() {
		return observed
	}
	if observed.IsZero() {
		return cached
	}
	if observed.After(cached) {
		return observed
	}
	return cached
}

func (cs *collectionState) touchInsert(t time.Time) {
	cs.tsMu.Lock()
	cs.observedLastInsert = laterOrUnknown(cs.observedLastInsert, t)
	cs.tsMu.Unlock()
}

func (cs *collectionState) lastInsertTime() time.Time {
	cs.tsMu.Lock()
	defer cs.tsMu.Unlock()
	return laterOrUnknown(cs.cachedLastInsert, cs.observedLastInsert)
}

// setCachedLastInsert seeds the "cached" side of the timestamp pair from a
// snapshot manifest; called from compact()/startup restore, never from
// the hot insert path.
func (cs *collectionState) setCachedLastInsert(t time.Time) {
	cs.tsMu.Lock()
	cs.cachedLastInsert = laterOrUnknown(cs.cachedLastInsert, t)
	cs.tsMu.Unlock()
}
