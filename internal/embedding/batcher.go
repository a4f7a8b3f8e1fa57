package embedding

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

var (
	errBatcherStopped    = core.New(core.CodeUnavailable, "embedding batcher stopped")
	errBatchSizeMismatch = core.New(core.CodeInternal, "provider returned a different number of vectors than requested")
)

const (
	defaultBatchMax     = 32
	defaultBatchTimeout = 10 * time.Millisecond
)

// request is one caller's text queued for the next dispatched batch.
type request struct {
	ctx    context.Context
	text   string
	result chan<- requestResult
}

type requestResult struct {
	vector []float32
	err    error
}

// Batcher aggregates EmbedBatch calls behind a bounded queue: it dispatches
// once batch_timeout elapses or max_batch items are queued, whichever comes
// first (spec §4.4 "Batching"), then distributes results back to each
// caller by index. Modeled on the WAL's group-commit batch/leader-election
// shape (internal/storage/wal.go's commitBatch), generalized from "wait for
// a writer to flush" to "wait for a model call to return".
type Batcher struct {
	provider Provider
	maxBatch int
	timeout  time.Duration
	logger   *zap.Logger

	queue  chan request
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBatcher starts the dispatch goroutine immediately; callers must call
// Stop to drain it cleanly.
func NewBatcher(provider Provider, maxBatch int, timeout time.Duration, logger *zap.Logger) *Batcher {
	if maxBatch <= 0 {
		maxBatch = defaultBatchMax
	}
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		provider: provider,
		maxBatch: maxBatch,
		timeout:  timeout,
		logger:   logger,
		queue:    make(chan request, maxBatch*4),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Embed enqueues text for the next batch and blocks until a result arrives
// or ctx is canceled. normalize applies an L2 unit-norm to the result, per
// spec §4.4's "normalize=true (default)" contract; callers pass false only
// when they intend to normalize themselves or compare raw magnitudes.
func (b *Batcher) Embed(ctx context.Context, text string, normalize bool) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resultCh := make(chan requestResult, 1)
	select {
	case b.queue <- request{ctx: ctx, text: text, result: resultCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stopCh:
		return nil, errBatcherStopped
	}

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		if normalize {
			return l2Normalize(r.vector), nil
		}
		return r.vector, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// l2Normalize returns a copy of v scaled to unit L2 norm. A zero vector is
// returned unchanged rather than dividing by zero.
func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	pending := make([]request, 0, b.maxBatch)
	var timer *time.Timer

	flush := func() {
		if len(pending) == 0 {
			return
		}
		b.dispatch(pending)
		pending = pending[:0]
	}

	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}

		select {
		case req, ok := <-b.queue:
			if !ok {
				flush()
				return
			}
			pending = append(pending, req)
			if timer == nil {
				timer = time.NewTimer(b.timeout)
			}
			if len(pending) >= b.maxBatch {
				if timer != nil {
					timer.Stop()
					timer = nil
				}
				flush()
			}
		case <-timerCh:
			timer = nil
			flush()
		case <-b.stopCh:
			for drained := false; !drained; {
				select {
				case req := <-b.queue:
					pending = append(pending, req)
				default:
					drained = true
				}
			}
			flush()
			return
		}
	}
}

func (b *Batcher) dispatch(pending []request) {
	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.text
	}

	// select a context for the batch call: the first still-live request's,
	// falling back to background if all callers already gave up.
	ctx := context.Background()
	for _, p := range pending {
		if p.ctx.Err() == nil {
			ctx = p.ctx
			break
		}
	}

	vectors, err := b.provider.EmbedBatch(ctx, texts)
	if err != nil {
		b.logger.Warn("embedding batch failed", zap.Int("batch_size", len(texts)), zap.Error(err))
		for _, p := range pending {
			p.result <- requestResult{err: err}
		}
		return
	}
	if len(vectors) != len(pending) {
		for _, p := range pending {
			p.result <- requestResult{err: errBatchSizeMismatch}
		}
		return
	}
	for i, p := range pending {
		p.result <- requestResult{vector: vectors[i]}
	}
}

// Stop drains in-flight requests with one final dispatch, then shuts down
// the worker goroutine.
func (b *Batcher) Stop() {
	close(b.stopCh)
	<-b.doneCh
}
