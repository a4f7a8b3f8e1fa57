package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cfg := BreakerConfig{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 4, OpenTimeout: 50 * time.Millisecond}
	b := NewCircuitBreaker(cfg, zap.NewNop())

	fail := errors.New("boom")
	for i := 0; i < 4; i++ {
		_ = b.Call(context.Background(), func(context.Context) error {
			if i%2 == 0 {
				return fail
			}
			return nil
		})
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cfg := BreakerConfig{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 2, OpenTimeout: 10 * time.Millisecond}
	b := NewCircuitBreaker(cfg, zap.NewNop())

	for i := 0; i < 2; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreakerHalfOpenReopensOnProbeFailure(t *testing.T) {
	cfg := BreakerConfig{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 2, OpenTimeout: 10 * time.Millisecond}
	b := NewCircuitBreaker(cfg, zap.NewNop())
	for i := 0; i < 2; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return errors.New("still broken") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestCircuitBreakerOnCloseFiresOnRecovery(t *testing.T) {
	cfg := BreakerConfig{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 2, OpenTimeout: 10 * time.Millisecond}
	b := NewCircuitBreaker(cfg, zap.NewNop())

	fired := make(chan struct{}, 1)
	b.OnClose(func() { fired <- struct{}{} })

	for i := 0; i < 2; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	err := b.Call(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnClose callback did not fire on HalfOpen -> Closed transition")
	}
}

func TestCircuitBreakerOnCloseNotCalledOnProbeFailure(t *testing.T) {
	cfg := BreakerConfig{Window: time.Minute, FailureThreshold: 0.5, MinRequests: 2, OpenTimeout: 10 * time.Millisecond}
	b := NewCircuitBreaker(cfg, zap.NewNop())

	fired := make(chan struct{}, 1)
	b.OnClose(func() { fired <- struct{}{} })

	for i := 0; i < 2; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("still broken") })
	require.Equal(t, StateOpen, b.State())

	select {
	case <-fired:
		t.Fatal("OnClose callback fired despite the probe failing")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryWithBackoffStopsOnPermanentBreakerOpen(t *testing.T) {
	cfg := BreakerConfig{Window: time.Minute, FailureThreshold: 0.1, MinRequests: 1, OpenTimeout: time.Hour}
	b := NewCircuitBreaker(cfg, zap.NewNop())
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	calls := 0
	err := RetryWithBackoff(context.Background(), b, 200*time.Millisecond, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, calls)
}
