package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/akidb/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.DBPath = ":memory:"
	cfg.ObjectStore.Kind = "local"
	cfg.ObjectStore.LocalRoot = t.TempDir()
	cfg.Embedding.Provider = "mock"
	cfg.Tiering.ScanIntervalSec = 60
	return cfg
}

func TestBuildDepsWiresEveryComponent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	d, err := buildDeps(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, d.svc)
	require.NotNil(t, d.tiering)
	require.NotNil(t, d.bus)
	require.NotNil(t, d.dlq)
	require.Len(t, d.subs, 3)
	require.NotNil(t, d.stopSnapshotLoop)

	d.Close(ctx)
}

func TestBuildDepsRejectsUnknownObjectStoreKind(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.ObjectStore.Kind = "not-a-real-backend"

	_, err := buildDeps(ctx, cfg)
	require.Error(t, err)
}

func TestBuildDepsRejectsUnknownEmbeddingProvider(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Embedding.Provider = "not-a-real-provider"

	_, err := buildDeps(ctx, cfg)
	require.Error(t, err)
}
