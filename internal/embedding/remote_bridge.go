package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/embeddings"

	"github.com/fyrsmithlabs/akidb/internal/core"
)

// httpBridgeClient implements langchaingo/embeddings.EmbedderClient by
// POSTing to a remote model server's /embed endpoint. Grounded on the
// teacher's internal/embeddings.Service, which makes the same raw
// net/http request; here the request/response marshaling and batching
// policy move into langchaingo's EmbedderImpl instead of being hand-rolled.
type httpBridgeClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type bridgeEmbedRequest struct {
	Inputs []string `json:"inputs"`
	Model  string   `json:"model,omitempty"`
}

type bridgeEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *httpBridgeClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(bridgeEmbedRequest{Inputs: texts, Model: c.model})
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "remote-bridge", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "remote-bridge", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Wrap(core.CodeUnavailable, "remote-bridge:"+c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, core.Newf(core.CodeUnavailable, "remote-bridge %s returned %d: %s", c.baseURL, resp.StatusCode, string(data))
	}

	var out bridgeEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, core.Wrap(core.CodeInternal, "remote-bridge", err)
	}
	return out.Embeddings, nil
}

// RemoteBridgeProvider embeds by IPC to a separate model-serving process
// (spec §4.4 "RemoteBridge (IPC to a model server)"), via
// langchaingo/embeddings for batching and normalization policy.
type RemoteBridgeProvider struct {
	embedder  embeddings.Embedder
	client    *httpBridgeClient
	modelName string
	dim       int
	maxTokens int
}

// NewRemoteBridgeProvider builds a RemoteBridge provider. The dimension is
// taken from cfg.MockDimension (the wire protocol has no model-introspection
// call) and defaults to 384 when that field is zero.
func NewRemoteBridgeProvider(cfg Config) (*RemoteBridgeProvider, error) {
	if cfg.BaseURL == "" {
		return nil, core.New(core.CodeInvalidInput, "remote_bridge provider requires base_url")
	}
	dim := cfg.MockDimension
	if dim == 0 {
		dim = 384
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultOnnxMaxTokens
	}

	client := &httpBridgeClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(32), embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, core.Wrap(core.CodeInternal, "remote-bridge", err)
	}

	return &RemoteBridgeProvider{
		embedder:  embedder,
		client:    client,
		modelName: cfg.Model,
		dim:       dim,
		maxTokens: maxTokens,
	}, nil
}

func (p *RemoteBridgeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateTexts(texts); err != nil {
		return nil, err
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, core.Wrap(core.CodeUnavailable, "remote-bridge:"+p.client.baseURL, err)
	}
	for _, v := range vectors {
		if len(v) != p.dim {
			return nil, dimensionError(len(v), p.dim)
		}
	}
	return vectors, nil
}

func (p *RemoteBridgeProvider) ModelInfo() ModelInfo {
	return ModelInfo{Model: p.modelName, Dimension: p.dim, MaxTokens: p.maxTokens}
}

func (p *RemoteBridgeProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.client.baseURL+"/health", nil)
	if err != nil {
		return core.Wrap(core.CodeInternal, "remote-bridge", err)
	}
	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return core.Wrap(core.CodeUnavailable, "remote-bridge:"+p.client.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.Newf(core.CodeUnavailable, "remote-bridge %s health check returned %d", p.client.baseURL, resp.StatusCode)
	}
	return nil
}

func (p *RemoteBridgeProvider) Close() error { return nil }
