package service

import (
	"context"
	"errors"
	"sync"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// translate maps a lower-layer error into the stable taxonomy (spec §7).
// Every domain package already returns *core.Error with the most specific
// code it knows (metadata.Repository, index.validateVector, storage.WAL,
// storage.CircuitBreaker); translate only fills in a target when the
// caller learns it later than the lower layer did, and classifies
// anything that slipped through unclassified (a raw error from
// modernc.org/sqlite, aws-sdk-go-v2, or similar) as Internal rather than
// dropping it, so a bug is never swallowed silently.
func translate(err error, fallbackTarget string) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		if ce.Target == "" && fallbackTarget != "" {
			return ce.WithTarget(fallbackTarget)
		}
		return ce
	}
	return core.Wrap(core.CodeInternal, fallbackTarget, err)
}

// errorLogLimiter rate-limits repeated error log lines keyed by
// code+target (spec §7), grounded on the teacher's per-client rate.Limiter
// in internal/extraction/llm.go — adapted here to key by error identity
// instead of by API client, since the thing worth throttling is a single
// noisy failure mode hammering the log, not a single caller.
type errorLogLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newErrorLogLimiter() *errorLogLimiter {
	return &errorLogLimiter{limiters: make(map[string]*rate.Limiter)}
}

// allow reports whether a log line for this code+target may be emitted
// right now. One line per second, burst of 3, is plenty to see a problem
// start without flooding the log while it persists.
func (l *errorLogLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1), 3)
		l.limiters[key] = lim
	}
	return lim.Allow()
}

// logError logs err at Error level through the service's rate limiter. No
// Internal error is ever swallowed: even when the limiter suppresses the
// log line, the metrics counter in metrics.go still increments.
func (s *Service) logError(ctx context.Context, op string, err error) {
	code := core.CodeOf(err)
	target := ""
	var ce *core.Error
	if errors.As(err, &ce) {
		target = ce.Target
	}
	errorsTotal.WithLabelValues(op, string(code)).Inc()

	key := string(code) + "|" + target
	if !s.errLimiter.allow(key) {
		return
	}
	s.logger.Error(ctx, "operation failed",
		zap.String("op", op),
		zap.String("code", string(code)),
		zap.String("target", target),
		zap.Error(err),
	)
}
