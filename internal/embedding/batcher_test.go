package embedding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBatcherDispatchesOnMaxBatch(t *testing.T) {
	provider := NewMockProvider(8)
	b := NewBatcher(provider, 4, time.Hour, zap.NewNop())
	defer b.Stop()

	var wg sync.WaitGroup
	results := make([][]float32, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.Embed(context.Background(), "text", true)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Len(t, v, 8)
	}
}

func TestBatcherDispatchesOnTimeout(t *testing.T) {
	provider := NewMockProvider(8)
	b := NewBatcher(provider, 32, 5*time.Millisecond, zap.NewNop())
	defer b.Stop()

	v, err := b.Embed(context.Background(), "solo request", true)
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestBatcherNormalizesWhenRequested(t *testing.T) {
	provider := NewMockProvider(8)
	b := NewBatcher(provider, 32, 5*time.Millisecond, zap.NewNop())
	defer b.Stop()

	v, err := b.Embed(context.Background(), "text", true)
	require.NoError(t, err)

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sumSq, 1e-4)
}

type failingProvider struct{ MockProvider }

func (p *failingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, assert.AnError
}

func TestBatcherPropagatesProviderErrors(t *testing.T) {
	provider := &failingProvider{MockProvider: *NewMockProvider(8)}
	b := NewBatcher(provider, 32, 5*time.Millisecond, zap.NewNop())
	defer b.Stop()

	_, err := b.Embed(context.Background(), "text", true)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestBatcherRespectsContextCancellation(t *testing.T) {
	provider := NewMockProvider(8)
	b := NewBatcher(provider, 32, time.Hour, zap.NewNop())
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Embed(ctx, "text", true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatcherStopFlushesPendingRequests(t *testing.T) {
	provider := NewMockProvider(8)
	b := NewBatcher(provider, 32, time.Hour, zap.NewNop())

	resultCh := make(chan struct {
		v   []float32
		err error
	}, 1)
	go func() {
		v, err := b.Embed(context.Background(), "text", true)
		resultCh <- struct {
			v   []float32
			err error
		}{v, err}
	}()

	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		assert.Len(t, r.v, 8)
	case <-time.After(time.Second):
		t.Fatal("request never completed after Stop")
	}
}
