package embedding

import (
	"context"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

// onnxModels maps the friendly model identifiers AkiDB accepts in
// collection.embedding_model / config.embedding.model to fastembed-go's
// constants and their fixed output dimension. fastembed-go runs the model
// in-process via github.com/yalue/onnxruntime_go and tokenizes with
// github.com/sugarme/tokenizer; AkiDB never calls either directly.
var onnxModels = map[string]struct {
	model fastembed.EmbeddingModel
	dim   int
}{
	"BAAI/bge-small-en-v1.5":                 {fastembed.BGESmallENV15, 384},
	"BAAI/bge-small-en":                      {fastembed.BGESmallEN, 384},
	"BAAI/bge-base-en-v1.5":                  {fastembed.BGEBaseENV15, 768},
	"BAAI/bge-base-en":                       {fastembed.BGEBaseEN, 768},
	"BAAI/bge-small-zh-v1.5":                 {fastembed.BGESmallZH, 512},
	"sentence-transformers/all-MiniLM-L6-v2": {fastembed.AllMiniLML6V2, 384},
}

const defaultOnnxMaxTokens = 512

// OnnxProvider runs embedding inference in-process via fastembed-go.
// Grounded on the teacher's internal/embeddings.FastEmbedProvider.
type OnnxProvider struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	modelName string
	dim       int
	maxTokens int
}

// NewOnnxProvider constructs an in-process ONNX embedding provider. Model
// download and disk cache placement is fastembed-go's concern; CacheDir
// just tells it where to put files.
func NewOnnxProvider(cfg Config) (*OnnxProvider, error) {
	entry, ok := onnxModels[cfg.Model]
	if !ok {
		return nil, core.Newf(core.CodeInvalidInput, "unsupported onnx embedding model %q", cfg.Model)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "./local_cache"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultOnnxMaxTokens
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                entry.model,
		CacheDir:             cacheDir,
		MaxLength:            maxTokens,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, core.Wrap(core.CodeUnavailable, "onnx:"+cfg.Model, err)
	}

	return &OnnxProvider{
		model:     flagEmbed,
		modelName: cfg.Model,
		dim:       entry.dim,
		maxTokens: maxTokens,
	}, nil
}

// EmbedBatch embeds texts as passages (fastembed-go's "passage: " prefix
// convention for BGE-family models).
func (p *OnnxProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateTexts(texts); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	vectors, err := p.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "onnx:"+p.modelName, err)
	}
	for _, v := range vectors {
		if len(v) != p.dim {
			return nil, dimensionError(len(v), p.dim)
		}
	}
	return vectors, nil
}

func (p *OnnxProvider) ModelInfo() ModelInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ModelInfo{Model: p.modelName, Dimension: p.dim, MaxTokens: p.maxTokens}
}

// HealthCheck embeds a one-word probe text; a loaded in-process model has
// no network dependency to ping, so successful inference is the signal.
func (p *OnnxProvider) HealthCheck(ctx context.Context) error {
	_, err := p.EmbedBatch(ctx, []string{"health"})
	return err
}

func (p *OnnxProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	return p.model.Destroy()
}
