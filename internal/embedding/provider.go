// Package embedding implements the embedding provider capability set (spec
// §4.4): a small trait-object-style interface with Onnx, RemoteBridge, and
// Mock variants, plus a bounded batching worker in front of each. Grounded
// on the teacher's internal/embeddings package, generalized from a single
// hard-coded provider into capability-set dispatch.
package embedding

import (
	"context"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

// ModelInfo describes a provider's fixed model characteristics.
type ModelInfo struct {
	Model     string
	Dimension int
	MaxTokens int
}

// Provider is the capability set every embedding backend implements
// (spec §4.4). Implementations must be safe for concurrent use: multiple
// goroutines may call EmbedBatch at once.
type Provider interface {
	// EmbedBatch embeds texts in one call. Implementations must not retry
	// internally; the service layer owns backoff (spec §4.4 "Failures are
	// non-retried internally").
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ModelInfo() ModelInfo
	HealthCheck(ctx context.Context) error
	Close() error
}

// Kind selects which Provider implementation NewProvider constructs.
type Kind string

const (
	KindOnnx         Kind = "onnx"
	KindRemoteBridge Kind = "remote_bridge"
	KindMock         Kind = "mock"
)

// Config configures NewProvider. Only the fields relevant to the selected
// Kind are consulted.
type Config struct {
	Kind Kind

	// Onnx
	Model     string
	CacheDir  string
	MaxTokens int

	// RemoteBridge
	BaseURL string
	APIKey  string

	// Mock
	MockDimension int
}

// NewProvider builds a Provider for the requested Kind. Unknown kinds are
// CodeInvalidInput — a typo in config.embedding.provider should fail startup
// loudly, not silently fall back to a default.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case KindOnnx:
		return NewOnnxProvider(cfg)
	case KindRemoteBridge:
		return NewRemoteBridgeProvider(cfg)
	case KindMock:
		dim := cfg.MockDimension
		if dim == 0 {
			dim = 384
		}
		return NewMockProvider(dim), nil
	default:
		return nil, core.Newf(core.CodeInvalidInput, "unknown embedding provider kind %q", cfg.Kind)
	}
}

func validateTexts(texts []string) error {
	if len(texts) == 0 {
		return core.New(core.CodeInvalidInput, "embed_batch requires at least one text")
	}
	return nil
}

func dimensionError(got, want int) error {
	return core.Newf(core.CodeDimensionMismatch, "embedding produced dimension %d, provider declares %d", got, want)
}
