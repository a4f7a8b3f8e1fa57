package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/akidb/internal/bus"
	"github.com/fyrsmithlabs/akidb/internal/config"
	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/fyrsmithlabs/akidb/internal/embedding"
	"github.com/fyrsmithlabs/akidb/internal/logging"
	"github.com/fyrsmithlabs/akidb/internal/metadata"
	"github.com/fyrsmithlabs/akidb/internal/service"
	"github.com/fyrsmithlabs/akidb/internal/storage"
)

// deps holds every long-lived component the daemon owns, wired together in
// buildDeps. Grounded on the teacher's dependencies/services split in
// cmd/contextd/main.go, collapsed into one struct since AkiDB's service
// layer already owns the lock ordering the teacher split across multiple
// business services.
type deps struct {
	logger  *logging.Logger
	repo    *metadata.Repository
	batcher *embedding.Batcher
	svc     *service.Service
	tiering *storage.TieringManager
	dlq     *storage.DeadLetterQueue
	bus     *bus.Bus

	subs []*bus.Subscription

	stopSnapshotLoop func()
}

// allCollectionIDs walks every tenant and database to enumerate every
// collection id known to the metadata repository, since no single query
// lists collections across tenants (spec §3's isolation model scopes
// lookups per tenant/database by design).
func allCollectionIDs(ctx context.Context, repo *metadata.Repository) ([]string, error) {
	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	var ids []string
	for _, tenant := range tenants {
		dbs, err := repo.ListDatabases(ctx, tenant.ID)
		if err != nil {
			return nil, fmt.Errorf("listing databases for tenant %s: %w", tenant.ID, err)
		}
		for _, db := range dbs {
			cols, err := repo.ListCollections(ctx, db.ID)
			if err != nil {
				return nil, fmt.Errorf("listing collections for database %s: %w", db.ID, err)
			}
			for _, col := range cols {
				ids = append(ids, col.ID.String())
			}
		}
	}
	return ids, nil
}

// startSnapshotLoop periodically requests a snapshot of every known
// collection (spec §4.3.3/§4.3.1), the "periodic publisher" side of the
// snapshot pipeline: compact() triggers one snapshot immediately, this
// loop is the backstop for collections nobody has compacted recently. The
// returned stop func blocks until the loop has exited.
func startSnapshotLoop(ctx context.Context, repo *metadata.Repository, msgBus *bus.Bus, interval time.Duration, logger *logging.Logger) func() {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				ids, err := allCollectionIDs(ctx, repo)
				if err != nil {
					logger.Warn(ctx, "listing collections for periodic snapshot failed", zap.Error(err))
					continue
				}
				for _, id := range ids {
					if err := msgBus.PublishSnapshotRequested(id, 0); err != nil {
						logger.Warn(ctx, "publishing periodic snapshot request failed", zap.String("collection_id", id), zap.Error(err))
					}
				}
			}
		}
	}()
	return func() {
		close(stopCh)
		<-doneCh
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	if cfg.LogLevel != "" {
		level, err := logging.LevelFromString(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		lcfg.Level = level
	}
	if cfg.LogFormat != "" {
		lcfg.Format = cfg.LogFormat
	}
	return logging.NewLogger(lcfg)
}

func buildObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (storage.ObjectStore, error) {
	switch cfg.Kind {
	case "", "local":
		root := cfg.LocalRoot
		if root == "" {
			root = "~/.config/akidb/objects"
		}
		return storage.NewLocalObjectStore(root)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("object_store.s3_bucket is required when kind is \"s3\"")
		}
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.S3Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3Endpoint != "" {
				o.BaseEndpoint = &cfg.S3Endpoint
				o.UsePathStyle = true
			}
		})
		return storage.NewS3CompatibleObjectStore(client, cfg.S3Bucket), nil
	default:
		return nil, fmt.Errorf("object_store.kind %q not recognized (want \"local\" or \"s3\")", cfg.Kind)
	}
}

func buildEmbeddingProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	var kind embedding.Kind
	switch cfg.Provider {
	case "", "onnx":
		kind = embedding.KindOnnx
	case "remote_bridge":
		kind = embedding.KindRemoteBridge
	case "mock":
		kind = embedding.KindMock
	default:
		return nil, fmt.Errorf("embedding.provider %q not recognized", cfg.Provider)
	}
	return embedding.NewProvider(embedding.Config{
		Kind:     kind,
		Model:    cfg.Model,
		CacheDir: cfg.CacheDir,
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey.Value(),
	})
}

// buildDeps wires every domain package into one running daemon, following
// the dependency order the service layer requires (spec §5's lock
// ordering starts downstream of this: metadata and storage must already
// exist before a Service can be constructed).
func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	zl := logger.Underlying()

	repo, err := metadata.NewRepository(cfg.DBPath, zl)
	if err != nil {
		return nil, fmt.Errorf("opening metadata repository: %w", err)
	}

	provider, err := buildEmbeddingProvider(cfg.Embedding)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("building embedding provider: %w", err)
	}
	batchTimeout := time.Duration(cfg.Embedding.BatchTimeoutMS) * time.Millisecond
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	batchMax := cfg.Embedding.BatchMax
	if batchMax <= 0 {
		batchMax = 32
	}
	batcher := embedding.NewBatcher(provider, batchMax, batchTimeout, zl)

	objStore, err := buildObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		batcher.Stop()
		repo.Close()
		return nil, fmt.Errorf("building object store: %w", err)
	}

	breakerCfg := storage.DefaultBreakerConfig()
	if cfg.CircuitBreaker.WindowSec > 0 {
		breakerCfg.Window = time.Duration(cfg.CircuitBreaker.WindowSec) * time.Second
	}
	if cfg.CircuitBreaker.FailureRatio > 0 {
		breakerCfg.FailureThreshold = cfg.CircuitBreaker.FailureRatio
	}
	if cfg.CircuitBreaker.CooldownSec > 0 {
		breakerCfg.OpenTimeout = time.Duration(cfg.CircuitBreaker.CooldownSec) * time.Second
	}
	breaker := storage.NewCircuitBreaker(breakerCfg, zl)
	snapshotter := storage.NewSnapshotter(objStore, breaker, zl)

	scrubber, err := storage.NewMetadataScrubber(zl)
	if err != nil {
		batcher.Stop()
		repo.Close()
		return nil, fmt.Errorf("building metadata scrubber: %w", err)
	}

	walDir := filepath.Join(filepath.Dir(cfg.DBPath), "wal")
	dlqPath := filepath.Join(filepath.Dir(cfg.DBPath), "dlq.db")
	dlq, err := storage.OpenDeadLetterQueue(dlqPath, zl)
	if err != nil {
		batcher.Stop()
		repo.Close()
		return nil, fmt.Errorf("opening dead letter queue: %w", err)
	}

	svc := service.NewService(repo, batcher, logger, scrubber, snapshotter, walDir)

	classifier := storage.DefaultAgeClassifier()
	if cfg.Tiering.HotToWarmIdleSec > 0 {
		classifier.WarmAfter = time.Duration(cfg.Tiering.HotToWarmIdleSec) * time.Second
	}
	if cfg.Tiering.WarmToColdIdleSec > 0 {
		classifier.ColdAfter = time.Duration(cfg.Tiering.WarmToColdIdleSec) * time.Second
	}
	scanInterval := time.Duration(cfg.Tiering.ScanIntervalSec) * time.Second
	if scanInterval <= 0 {
		scanInterval = 5 * time.Minute
	}
	tiering := storage.NewTieringManager(classifier, svc, scanInterval, zl)
	svc.SetTiering(tiering)

	msgBus, err := bus.New(bus.DefaultOptions(), zl)
	if err != nil {
		dlq.Close()
		batcher.Stop()
		repo.Close()
		return nil, fmt.Errorf("starting message bus: %w", err)
	}

	var subs []*bus.Subscription

	tierScanSub, err := msgBus.SubscribeTierScanRequested(func(e bus.CollectionEvent) {
		if err := tiering.Touch(ctx, e.CollectionID, time.Now()); err != nil {
			logger.Warn(ctx, "out-of-band tier scan failed", zap.String("collection_id", e.CollectionID), zap.Error(err))
		}
	})
	if err != nil {
		msgBus.Close()
		dlq.Close()
		batcher.Stop()
		repo.Close()
		return nil, fmt.Errorf("subscribing to tier scan requests: %w", err)
	}
	subs = append(subs, tierScanSub)

	runSnapshot := func(collectionID string) error {
		id, err := core.ParseCollectionID(collectionID)
		if err != nil {
			return fmt.Errorf("unparseable collection id: %w", err)
		}
		rows, lsn, meta, err := svc.ExportForSnapshot(ctx, id)
		if err != nil {
			return fmt.Errorf("exporting collection for snapshot: %w", err)
		}
		if _, err := snapshotter.Snapshot(ctx, collectionID, lsn, meta, rows); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		return nil
	}

	snapshotSub, err := msgBus.SubscribeSnapshotRequested(func(e bus.CollectionEvent) {
		if err := runSnapshot(e.CollectionID); err != nil {
			logger.Warn(ctx, "snapshot failed, enqueueing dead letter", zap.String("collection_id", e.CollectionID), zap.Error(err))
			if dlqErr := dlq.Enqueue(storage.DeadLetter{
				CollectionID: e.CollectionID,
				Kind:         "snapshot",
				LastError:    err.Error(),
				Attempts:     1,
				EnqueuedAt:   time.Now(),
			}); dlqErr != nil {
				logger.Error(ctx, "failed to enqueue dead letter for failed snapshot", zap.String("collection_id", e.CollectionID), zap.Error(dlqErr))
			}
		}
	})
	if err != nil {
		msgBus.Close()
		dlq.Close()
		batcher.Stop()
		repo.Close()
		return nil, fmt.Errorf("subscribing to snapshot requests: %w", err)
	}
	subs = append(subs, snapshotSub)

	dlqReapSub, err := msgBus.SubscribeDLQReapRequested(func(e bus.CollectionEvent) {
		entries, err := dlq.ListForCollection(e.CollectionID)
		if err != nil {
			logger.Warn(ctx, "listing dead letters for reap failed", zap.String("collection_id", e.CollectionID), zap.Error(err))
			return
		}
		for _, entry := range entries {
			if entry.Letter.Kind != "snapshot" {
				continue
			}
			if err := runSnapshot(entry.Letter.CollectionID); err != nil {
				logger.Warn(ctx, "reap retry still failing, leaving dead letter queued",
					zap.String("collection_id", entry.Letter.CollectionID), zap.Error(err))
				continue
			}
			if ackErr := dlq.Ack(entry.Key); ackErr != nil {
				logger.Warn(ctx, "acking reaped dead letter failed", zap.String("collection_id", e.CollectionID), zap.Error(ackErr))
			}
		}
	})
	if err != nil {
		msgBus.Close()
		dlq.Close()
		batcher.Stop()
		repo.Close()
		return nil, fmt.Errorf("subscribing to DLQ reap requests: %w", err)
	}
	subs = append(subs, dlqReapSub)

	// Drain the DLQ whenever the breaker recovers (spec §4.3.6: "a reaper
	// task drains the DLQ when the breaker closes"), not just on an
	// explicit out-of-band request.
	breaker.OnClose(func() {
		ids, err := dlq.CollectionIDs()
		if err != nil {
			logger.Warn(ctx, "listing dead-letter collections for reap failed", zap.Error(err))
			return
		}
		for _, id := range ids {
			if err := msgBus.PublishDLQReapRequested(id); err != nil {
				logger.Warn(ctx, "publishing DLQ reap request failed", zap.String("collection_id", id), zap.Error(err))
			}
		}
	})

	stopSnapshotLoop := startSnapshotLoop(ctx, repo, msgBus, scanInterval, logger)

	return &deps{
		logger:           logger,
		repo:             repo,
		batcher:          batcher,
		svc:              svc,
		tiering:          tiering,
		dlq:              dlq,
		bus:              msgBus,
		subs:             subs,
		stopSnapshotLoop: stopSnapshotLoop,
	}, nil
}

func (d *deps) Close(ctx context.Context) {
	if d.stopSnapshotLoop != nil {
		d.stopSnapshotLoop()
	}
	for _, s := range d.subs {
		s.Unsubscribe()
	}
	if d.tiering != nil {
		d.tiering.Stop()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.batcher != nil {
		d.batcher.Stop()
	}
	if d.dlq != nil {
		if err := d.dlq.Close(); err != nil {
			d.logger.Warn(ctx, "error closing dead letter queue", zap.Error(err))
		}
	}
	if d.repo != nil {
		if err := d.repo.Close(); err != nil {
			d.logger.Warn(ctx, "error closing metadata repository", zap.Error(err))
		}
	}
	_ = d.logger.Sync()
}
