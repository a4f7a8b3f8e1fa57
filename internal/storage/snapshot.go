package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/xitongsys/parquet-go/parquet"
	source "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"
)

func parquetCompression() parquet.CompressionCodec {
	return parquet.CompressionCodec_SNAPPY
}

// vectorRow is one row of a Parquet snapshot segment: a document's vector
// and opaque metadata at the LSN the segment was cut.
type vectorRow struct {
	DocID  string  `parquet:"name=doc_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vector []float32 `parquet:"name=vector, type=FLOAT, repetitiontype=REPEATED"`
	Meta   string  `parquet:"name=meta, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// IndexParams mirrors metadata.IndexParams without importing the metadata
// package, so a manifest can describe the index construction parameters
// needed to rebuild a collection on cold restore without a metadata lookup
// (spec §6).
type IndexParams struct {
	M              int `json:"m,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
}

// SnapshotMeta carries the collection descriptor a Snapshotter stamps into
// every manifest it writes: dimension, metric, and index construction
// parameters (spec §6, cross-entity invariant 4 — a restored collection's
// index must agree with its last snapshot's dimension).
type SnapshotMeta struct {
	Dimension   int
	Metric      core.Metric
	IndexKind   string
	IndexParams IndexParams
}

// SnapshotEntry is one successful snapshot recorded in a collection's
// manifest history, in LSN order (spec §6, spec §8 scenario 4: "manifest
// reflects all successful snapshots in LSN order").
type SnapshotEntry struct {
	LSN       uint64    `json:"lsn"`
	Key       string    `json:"key"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
	SHA256    string    `json:"sha256"`
}

// Manifest describes a collection's durable snapshot history: every
// snapshot written so far, newest last, plus the collection descriptor
// needed to rebuild its index on restore. Everything at or below the
// latest entry's LSN can be dropped from the WAL once the manifest is
// durable (spec §6).
type Manifest struct {
	Snapshots     []SnapshotEntry `json:"snapshots"`
	CollectionDim int             `json:"collection_dim"`
	Metric        core.Metric     `json:"metric"`
	IndexKind     string          `json:"index_kind"`
	IndexParams   IndexParams     `json:"index_params"`
}

// SegmentRows is the input to WriteSegment: a batch of (docID, vector,
// meta) tuples, row-group-sized for Parquet's columnar layout.
type SegmentRow struct {
	DocID  core.DocumentID
	Vector []float32
	Meta   []byte
}

// defaultRowGroupDocs is the spec §4.3.3 default row group size: one
// Parquet row group per 10k documents within a snapshot's single file.
const defaultRowGroupDocs = 10000

// snapshotUploadMaxElapsed bounds the exponential backoff spent retrying a
// single object-store Put (spec §4.3.3: "base 100ms, max 30s, 5 attempts");
// RetryWithBackoff supplies the base interval and attempt cap.
const snapshotUploadMaxElapsed = 30 * time.Second

// Snapshotter periodically materializes a collection's live vector set into
// Parquet segments in an ObjectStore, guarded by a circuit breaker and
// retried with exponential backoff so a transient backend outage doesn't
// fail the whole snapshot (spec §6, grounded on the teacher's quarantine
// pattern for degraded storage in internal/vectorstore/resilient.go).
type Snapshotter struct {
	store   ObjectStore
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewSnapshotter(store ObjectStore, breaker *CircuitBreaker, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{store: store, breaker: breaker, logger: logger}
}

// snapshotKey and manifestKey implement the spec §6 object-store key
// layout: every snapshot and its manifest live under a "snapshots/"
// prefix, one manifest per collection.
func snapshotKey(collectionID string, lsn uint64) string {
	return fmt.Sprintf("snapshots/%s/%d.parquet", collectionID, lsn)
}

func manifestKey(collectionID string) string {
	return fmt.Sprintf("snapshots/%s/manifest.json", collectionID)
}

// Snapshot converts rows to a single Parquet file (row groups of
// defaultRowGroupDocs documents each) and uploads it to
// "snapshots/<collectionID>/<lsn>.parquet", then rewrites
// "snapshots/<collectionID>/manifest.json" to append this snapshot to the
// collection's history. The manifest is written last and atomically
// (object stores' Put contract), so a reader never observes a manifest
// referencing a not-yet-written snapshot.
func (s *Snapshotter) Snapshot(ctx context.Context, collectionID string, lsn uint64, meta SnapshotMeta, rows []SegmentRow) (*Manifest, error) {
	data, err := encodeSegment(rows)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	sum := sha256.Sum256(data)

	key := snapshotKey(collectionID, lsn)
	if err := RetryWithBackoff(ctx, s.breaker, snapshotUploadMaxElapsed, func(ctx context.Context) error {
		return s.store.Put(ctx, key, data)
	}); err != nil {
		return nil, core.Wrap(core.CodeDurability, "snapshot:"+key, err)
	}

	mKey := manifestKey(collectionID)
	var manifest *Manifest
	if err := RetryWithBackoff(ctx, s.breaker, snapshotUploadMaxElapsed, func(ctx context.Context) error {
		m, _, lerr := s.loadManifest(ctx, mKey)
		manifest = m
		return lerr
	}); err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = &Manifest{}
	}
	manifest.CollectionDim = meta.Dimension
	manifest.Metric = meta.Metric
	manifest.IndexKind = meta.IndexKind
	manifest.IndexParams = meta.IndexParams
	manifest.Snapshots = append(manifest.Snapshots, SnapshotEntry{
		LSN:       lsn,
		Key:       key,
		Rows:      len(rows),
		CreatedAt: time.Now(),
		SHA256:    hex.EncodeToString(sum[:]),
	})
	sort.Slice(manifest.Snapshots, func(i, j int) bool {
		return manifest.Snapshots[i].LSN < manifest.Snapshots[j].LSN
	})

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := RetryWithBackoff(ctx, s.breaker, snapshotUploadMaxElapsed, func(ctx context.Context) error {
		return s.store.Put(ctx, mKey, manifestBytes)
	}); err != nil {
		return nil, core.Wrap(core.CodeDurability, "snapshot-manifest:"+mKey, err)
	}

	s.logger.Info("snapshot written",
		zap.String("collection_id", collectionID),
		zap.Uint64("lsn", lsn),
		zap.Int("rows", len(rows)),
		zap.String("key", key))
	return manifest, nil
}

func (s *Snapshotter) loadManifest(ctx context.Context, mKey string) (*Manifest, bool, error) {
	data, err := s.store.Get(ctx, mKey)
	if err == ErrObjectNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.Wrap(core.CodeUnavailable, "snapshot-manifest:"+mKey, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false, fmt.Errorf("decoding manifest %s: %w", mKey, err)
	}
	return &manifest, true, nil
}

// Load reads a collection's manifest and the most recent snapshot it
// references (highest LSN), verifying the download against the manifest's
// recorded checksum before decoding it.
func (s *Snapshotter) Load(ctx context.Context, collectionID string) (*Manifest, []SegmentRow, error) {
	manifest, found, err := s.loadManifest(ctx, manifestKey(collectionID))
	if err != nil {
		return nil, nil, err
	}
	if !found || len(manifest.Snapshots) == 0 {
		return nil, nil, nil
	}

	latest := manifest.Snapshots[0]
	for _, entry := range manifest.Snapshots[1:] {
		if entry.LSN > latest.LSN {
			latest = entry
		}
	}

	data, err := s.store.Get(ctx, latest.Key)
	if err != nil {
		return nil, nil, core.Wrap(core.CodeUnavailable, "snapshot:"+latest.Key, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != latest.SHA256 {
		return nil, nil, core.Newf(core.CodeDurability, "snapshot %s failed checksum verification", latest.Key)
	}
	rows, err := decodeSegment(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot %s: %w", latest.Key, err)
	}
	return manifest, rows, nil
}

func encodeSegment(rows []SegmentRow) ([]byte, error) {
	buf := source.NewBufferFile(nil)
	pw, err := writer.NewParquetWriter(buf, new(vectorRow), 4)
	if err != nil {
		return nil, fmt.Errorf("creating parquet writer: %w", err)
	}
	pw.CompressionType = parquetCompression()

	for i, r := range rows {
		docBytes := r.DocID.Bytes()
		row := vectorRow{DocID: core.DocumentIDFromBytes(docBytes).String(), Vector: r.Vector, Meta: string(r.Meta)}
		if err := pw.Write(row); err != nil {
			return nil, fmt.Errorf("writing row: %w", err)
		}
		if (i+1)%defaultRowGroupDocs == 0 {
			if err := pw.Flush(true); err != nil {
				return nil, fmt.Errorf("flushing row group: %w", err)
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalizing parquet segment: %w", err)
	}
	if err := buf.Close(); err != nil {
		return nil, fmt.Errorf("closing parquet buffer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSegment(data []byte) ([]SegmentRow, error) {
	buf := source.NewBufferFile(data)
	pr, err := reader.NewParquetReader(buf, new(vectorRow), 4)
	if err != nil {
		return nil, fmt.Errorf("creating parquet reader: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	out := make([]SegmentRow, 0, n)
	raw := make([]vectorRow, n)
	if n > 0 {
		if err := pr.Read(&raw); err != nil {
			return nil, fmt.Errorf("reading parquet rows: %w", err)
		}
	}
	for _, r := range raw {
		docID, err := core.ParseDocumentID(r.DocID)
		if err != nil {
			return nil, fmt.Errorf("parsing doc id %q: %w", r.DocID, err)
		}
		out = append(out, SegmentRow{DocID: docID, Vector: r.Vector, Meta: []byte(r.Meta)})
	}
	return out, nil
}
