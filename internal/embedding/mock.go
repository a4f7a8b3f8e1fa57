package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

var errMockUnhealthy = core.New(core.CodeUnavailable, "mock provider marked unhealthy")

// MockProvider produces deterministic vectors derived from a text hash, so
// the same input always embeds to the same output without a real model.
// Grounded on the teacher's test doubles for vectorstore.Embedder
// (chromem_test.go's fake embedders), generalized to the Provider interface.
type MockProvider struct {
	dim     int
	healthy bool
}

func NewMockProvider(dim int) *MockProvider {
	return &MockProvider{dim: dim, healthy: true}
}

// SetHealthy lets tests simulate a provider outage without tearing down
// the instance.
func (p *MockProvider) SetHealthy(healthy bool) { p.healthy = healthy }

func (p *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateTexts(texts); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = deterministicVector(text, p.dim)
	}
	return out, nil
}

func (p *MockProvider) ModelInfo() ModelInfo {
	return ModelInfo{Model: "mock", Dimension: p.dim, MaxTokens: 8192}
}

func (p *MockProvider) HealthCheck(ctx context.Context) error {
	if !p.healthy {
		return errMockUnhealthy
	}
	return nil
}

func (p *MockProvider) Close() error { return nil }

// deterministicVector expands an FNV hash of text into a unit-normalized
// vector of the requested dimension by re-hashing with an incrementing
// salt per component.
func deterministicVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	var sumSq float64
	for i := range v {
		h := fnv.New32a()
		h.Write([]byte(text))
		h.Write([]byte{byte(i), byte(i >> 8)})
		// map uint32 hash to [-1, 1)
		f := float64(h.Sum32())/float64(math.MaxUint32)*2 - 1
		v[i] = float32(f)
		sumSq += f * f
	}
	norm := float32(math.Sqrt(sumSq))
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}
