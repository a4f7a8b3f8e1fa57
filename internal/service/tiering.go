package service

import (
	"context"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/fyrsmithlabs/akidb/internal/storage"
	"go.uber.org/zap"
)

// Service implements storage.TierMover so a single storage.TieringManager
// can drive both halves of a tier transition: the manager decides when
// (classifying idle time), Service decides how. Demoting evicts a
// collection's in-memory index and WAL handle entirely — its WAL file and
// any durable snapshot already hold everything needed to rebuild it, so
// eviction is a correctness-neutral memory reclaim, not a data loss risk
// (spec §3: Warm/Cold collections keep only an object-store snapshot, not
// a resident index). Promoting is simply forcing the lazy load that
// getOrLoadCollection would otherwise defer to the collection's next
// access, so a collection coming back under load doesn't pay the reload
// latency on its first query.

// Demote evicts collectionID's in-memory state. A collection that was
// never loaded (not present in s.collections) is already effectively
// demoted; Demote is then a no-op.
func (s *Service) Demote(ctx context.Context, collectionID string, to storage.Tier) error {
	id, err := core.ParseCollectionID(collectionID)
	if err != nil {
		return core.Wrap(core.CodeInvalidInput, "collection:"+collectionID, err)
	}

	s.mu.Lock()
	cs, ok := s.collections[id]
	if ok {
		delete(s.collections, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.wal.Close(); err != nil {
		s.logger.Warn(ctx, "error closing WAL during demote",
			zap.String("collection_id", collectionID), zap.Error(err))
	}
	return nil
}

// Promote reloads collectionID eagerly, rather than waiting for its next
// InsertDocument/Query/DeleteDocument/Compact/Metrics call to trigger
// getOrLoadCollection's lazy path.
func (s *Service) Promote(ctx context.Context, collectionID string, to storage.Tier) error {
	id, err := core.ParseCollectionID(collectionID)
	if err != nil {
		return core.Wrap(core.CodeInvalidInput, "collection:"+collectionID, err)
	}
	_, err = s.getOrLoadCollection(ctx, id)
	return err
}
