package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier is a collection's storage placement, classified by access recency
// (spec §3). Hot data lives in the in-memory index. Demotion to Warm or
// Cold (see TierMover) drops the collection's in-memory state; its WAL and
// snapshots stay where they are, so Warm and Cold differ only in the idle
// threshold that selects them, and Cold data is not moved to the object
// store. The next access rebuilds the collection and promotes it to Hot.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "Hot"
	case TierWarm:
		return "Warm"
	case TierCold:
		return "Cold"
	default:
		return "Unknown"
	}
}

// Classifier decides what tier a collection belongs in given its last
// access time, so the tiering policy can change without touching the
// manager's scan loop.
type Classifier interface {
	Classify(lastAccess time.Time, now time.Time) Tier
}

// AgeClassifier demotes a collection to Warm after WarmAfter of inactivity
// and to Cold after ColdAfter (spec §3 default: 1 hour / 24 hours).
type AgeClassifier struct {
	WarmAfter time.Duration
	ColdAfter time.Duration
}

func DefaultAgeClassifier() AgeClassifier {
	return AgeClassifier{WarmAfter: time.Hour, ColdAfter: 24 * time.Hour}
}

func (c AgeClassifier) Classify(lastAccess, now time.Time) Tier {
	idle := now.Sub(lastAccess)
	switch {
	case idle >= c.ColdAfter:
		return TierCold
	case idle >= c.WarmAfter:
		return TierWarm
	default:
		return TierHot
	}
}

// TierMover applies a tier transition for one collection. The manager
// drives when; the mover owns how (index eviction, snapshot rehydration).
type TierMover interface {
	Promote(ctx context.Context, collectionID string, to Tier) error
	Demote(ctx context.Context, collectionID string, to Tier) error
}

type trackedCollection struct {
	id         string
	lastAccess time.Time
	tier       Tier
}

// TieringManager runs a background scan that demotes idle collections and
// promotes ones that come back under load, grounded on the periodic
// scan-and-diff loop in the teacher's internal/vectorstore/background_scanner.go
// (ticker plus a stop channel honoring context cancellation).
type TieringManager struct {
	classifier Classifier
	mover      TierMover
	interval   time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	collections map[string]*trackedCollection

	stopCh chan struct{}
	doneCh chan struct{}
	running bool
}

func NewTieringManager(classifier Classifier, mover TierMover, interval time.Duration, logger *zap.Logger) *TieringManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &TieringManager{
		classifier:  classifier,
		mover:       mover,
		interval:    interval,
		logger:      logger,
		collections: make(map[string]*trackedCollection),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Touch records that collectionID was accessed at now, promoting it back to
// Hot idempotently if a prior scan had demoted it (spec §3: "promote is
// idempotent — touching an already-Hot collection is a no-op").
func (m *TieringManager) Touch(ctx context.Context, collectionID string, now time.Time) error {
	m.mu.Lock()
	tc, ok := m.collections[collectionID]
	if !ok {
		tc = &trackedCollection{id: collectionID, tier: TierHot}
		m.collections[collectionID] = tc
	}
	previousTier := tc.tier
	tc.lastAccess = now
	tc.tier = TierHot
	m.mu.Unlock()

	if previousTier == TierHot {
		return nil
	}
	return m.mover.Promote(ctx, collectionID, TierHot)
}

// Tier reports a collection's last-known tier. An untracked collection
// (never Touch-ed, e.g. not yet loaded) reports Hot, the tier a
// collection service assumes before its first access is recorded.
func (m *TieringManager) Tier(collectionID string) Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.collections[collectionID]
	if !ok {
		return TierHot
	}
	return tc.tier
}

// Start begins the background scan loop; it is safe to call once.
func (m *TieringManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the scan loop and waits for the in-flight scan, if any, to
// finish.
func (m *TieringManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *TieringManager) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *TieringManager) scan(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	targets := make([]*trackedCollection, 0, len(m.collections))
	for _, tc := range m.collections {
		targets = append(targets, tc)
	}
	m.mu.Unlock()

	for _, tc := range targets {
		select {
		case <-ctx.Done():
			return
		default:
		}

		target := m.classifier.Classify(tc.lastAccess, now)
		m.mu.Lock()
		current := tc.tier
		m.mu.Unlock()
		if target == current {
			continue
		}

		var err error
		if target > current {
			err = m.mover.Demote(ctx, tc.id, target)
		} else {
			err = m.mover.Promote(ctx, tc.id, target)
		}
		if err != nil {
			m.logger.Error("tiering transition failed",
				zap.String("collection_id", tc.id),
				zap.String("from", current.String()),
				zap.String("to", target.String()),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		tc.tier = target
		m.mu.Unlock()
		m.logger.Info("collection tier changed",
			zap.String("collection_id", tc.id),
			zap.String("from", current.String()),
			zap.String("to", target.String()))
	}
}
