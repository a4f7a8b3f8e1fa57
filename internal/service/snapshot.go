package service

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/fyrsmithlabs/akidb/internal/metadata"
	"github.com/fyrsmithlabs/akidb/internal/storage"
)

// snapshotMetaFromCollection builds the collection descriptor a manifest
// stamps (spec §6: collection_dim/metric/index_kind/index_params) from
// this collection's stored metadata.
func snapshotMetaFromCollection(c *metadata.Collection) storage.SnapshotMeta {
	return storage.SnapshotMeta{
		Dimension: c.Dimension,
		Metric:    c.Metric,
		IndexKind: string(c.IndexKind),
		IndexParams: storage.IndexParams{
			M:              c.IndexParams.M,
			EfConstruction: c.IndexParams.EfConstruction,
		},
	}
}

// exportRows materializes cs's current index contents as
// storage.SegmentRows. The caller must already hold cs.mu (Compact calls
// this under the lock it already took; ExportForSnapshot takes it itself).
// Tombstoned index slots are skipped; a row's Meta is the same JSON this
// collection's docMeta side table would produce on reload, not the raw
// (possibly scrubbed-at-insert-time) WAL bytes, since the side table is
// already the authoritative live view.
func (cs *collectionState) exportRows() ([]storage.SegmentRow, error) {
	snap, err := cs.idx.Snapshot()
	if err != nil {
		return nil, err
	}

	cs.docMetaMu.RLock()
	defer cs.docMetaMu.RUnlock()

	rows := make([]storage.SegmentRow, 0, len(snap.Nodes))
	for _, node := range snap.Nodes {
		if node.Deleted {
			continue
		}
		var metaBytes []byte
		if meta, ok := cs.docMeta[node.ID]; ok && len(meta) > 0 {
			encoded, err := json.Marshal(meta)
			if err == nil {
				metaBytes = encoded
			}
		}
		rows = append(rows, storage.SegmentRow{
			DocID:  node.ID,
			Vector: node.Vector,
			Meta:   metaBytes,
		})
	}
	return rows, nil
}

// ExportForSnapshot materializes collectionID's current index contents as
// storage.SegmentRows, paired with the WAL LSN they cover and the
// collection descriptor a manifest needs. It is the bridge between the
// service layer's in-memory index (spec §4.2/§4.3.3) and
// storage.Snapshotter, which has no notion of documents, indexes, or
// collection metadata — only opaque rows and a descriptor. Used by the
// daemon's periodic and reaped snapshot triggers (cmd/akidb); Compact
// takes the same export under the write lock it already holds, via
// cs.exportRows directly.
func (s *Service) ExportForSnapshot(ctx context.Context, collectionID core.CollectionID) ([]storage.SegmentRow, uint64, storage.SnapshotMeta, error) {
	cs, err := s.getOrLoadCollection(ctx, collectionID)
	if err != nil {
		return nil, 0, storage.SnapshotMeta{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	rows, err := cs.exportRows()
	if err != nil {
		return nil, 0, storage.SnapshotMeta{}, translate(err, "collection:"+collectionID.String())
	}

	return rows, cs.lastCommittedLSN.Load(), snapshotMetaFromCollection(cs.meta), nil
}
