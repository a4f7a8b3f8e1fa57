package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/akidb/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWALAppendThenReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collection.wal")
	w, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	doc1 := core.NewDocumentID()
	doc2 := core.NewDocumentID()

	lsn1, err := w.Append(OpInsert, doc1, []float32{1, 2, 3}, []byte(`{"k":"v"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), lsn1)

	lsn2, err := w.Append(OpDelete, doc2, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lsn2)

	require.NoError(t, w.Close())

	var replayed []Record
	nextLSN, err := Replay(path, func(r Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nextLSN)
	require.Len(t, replayed, 2)
	assert.Equal(t, OpInsert, replayed[0].Op)
	assert.Equal(t, doc1, replayed[0].DocID)
	assert.Equal(t, []float32{1, 2, 3}, replayed[0].Vector)
	assert.Equal(t, OpDelete, replayed[1].Op)
	assert.Equal(t, doc2, replayed[1].DocID)
}

func TestWALReplayEmptyFileReturnsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.wal")
	nextLSN, err := Replay(path, func(Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nextLSN)
}

func TestWALConcurrentAppendsShareGroupCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collection.wal")
	w, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	const n = 50
	var wg sync.WaitGroup
	lsns := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lsn, err := w.Append(OpInsert, core.NewDocumentID(), []float32{float32(i)}, nil)
			require.NoError(t, err)
			lsns[i] = lsn
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, lsn := range lsns {
		assert.False(t, seen[lsn], "duplicate LSN assigned: %d", lsn)
		seen[lsn] = true
	}
	assert.Len(t, seen, n)
}

func TestWALCorruptTailIsQuarantinedNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collection.wal")
	w, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	doc := core.NewDocumentID()
	_, err = w.Append(OpInsert, doc, []float32{1, 2}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Append garbage bytes simulating a torn write at process crash.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var replayed []Record
	nextLSN, err := Replay(path, func(r Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, uint64(1), nextLSN)

	matches, err := filepath.Glob(path + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestWALTruncateDropsRecordsAtOrBelowWatermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collection.wal")
	w, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.Append(OpInsert, core.NewDocumentID(), []float32{float32(i)}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, w.Truncate(2))

	var replayed []Record
	_, err = Replay(path, func(r Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, uint64(3), replayed[0].LSN)
	assert.Equal(t, uint64(4), replayed[1].LSN)
}
