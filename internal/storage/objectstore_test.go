package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalObjectStorePutGetDeleteRoundTrip(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b/c.bin", []byte("hello")))
	data, err := store.Get(ctx, "a/b/c.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, store.Delete(ctx, "a/b/c.bin"))
	_, err = store.Get(ctx, "a/b/c.bin")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalObjectStoreListByPrefix(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "col-1/segments/a.parquet", []byte("x")))
	require.NoError(t, store.Put(ctx, "col-1/segments/b.parquet", []byte("y")))
	require.NoError(t, store.Put(ctx, "col-2/segments/c.parquet", []byte("z")))

	keys, err := store.List(ctx, "col-1/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestLocalObjectStorePutIsAtomicNoPartialRead(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalObjectStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	require.NoError(t, store.Put(ctx, "k", []byte("v2-longer-payload")))

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2-longer-payload"), data)

	leftovers, _ := filepath.Glob(filepath.Join(root, "*.tmp.*"))
	assert.Empty(t, leftovers)
}

func TestLocalObjectStoreRejectsKeyTraversal(t *testing.T) {
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Put(ctx, "../../etc/passwd", []byte("x"))
	assert.ErrorIs(t, err, ErrKeyEscapesRoot)

	_, err = store.Get(ctx, "../outside")
	assert.ErrorIs(t, err, ErrKeyEscapesRoot)
}

func TestMockObjectStoreInjectsErrorsAndRecordsHistory(t *testing.T) {
	store := NewMockObjectStore(true)
	store.ErrorRate = 1.0
	ctx := context.Background()

	err := store.Put(ctx, "k", []byte("v"))
	assert.Error(t, err)
	assert.NotEmpty(t, store.History)

	store.ErrorRate = 0
	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}
