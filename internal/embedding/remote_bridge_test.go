package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRemoteBridgeProviderRequiresBaseURL(t *testing.T) {
	_, err := NewRemoteBridgeProvider(Config{Kind: KindRemoteBridge})
	assert.Error(t, err)
}

func TestNewRemoteBridgeProviderDefaultsDimension(t *testing.T) {
	p, err := NewRemoteBridgeProvider(Config{Kind: KindRemoteBridge, BaseURL: "http://127.0.0.1:9", Model: "bge-small"})
	require.NoError(t, err)
	assert.Equal(t, 384, p.ModelInfo().Dimension)
	assert.Equal(t, "bge-small", p.ModelInfo().Model)
}

func TestNewOnnxProviderRejectsUnknownModel(t *testing.T) {
	_, err := NewOnnxProvider(Config{Kind: KindOnnx, Model: "not-a-real-model"})
	assert.Error(t, err)
}
