package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(DefaultOptions(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestSnapshotRequestedRoundTrip(t *testing.T) {
	b := newTestBus(t)

	received := make(chan CollectionEvent, 1)
	sub, err := b.SubscribeSnapshotRequested(func(e CollectionEvent) { received <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishSnapshotRequested("col-1", 42))

	select {
	case e := <-received:
		require.Equal(t, "col-1", e.CollectionID)
		require.Equal(t, uint64(42), e.LSN)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot requested event")
	}
}

func TestDLQReapRequestedRoundTrip(t *testing.T) {
	b := newTestBus(t)

	received := make(chan CollectionEvent, 1)
	sub, err := b.SubscribeDLQReapRequested(func(e CollectionEvent) { received <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishDLQReapRequested("col-2"))

	select {
	case e := <-received:
		require.Equal(t, "col-2", e.CollectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DLQ reap requested event")
	}
}

func TestTierScanRequestedRoundTrip(t *testing.T) {
	b := newTestBus(t)

	received := make(chan CollectionEvent, 1)
	sub, err := b.SubscribeTierScanRequested(func(e CollectionEvent) { received <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishTierScanRequested("col-3"))

	select {
	case e := <-received:
		require.Equal(t, "col-3", e.CollectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tier scan requested event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	received := make(chan CollectionEvent, 1)
	sub, err := b.SubscribeSnapshotRequested(func(e CollectionEvent) { received <- e })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.PublishSnapshotRequested("col-4", 1))

	select {
	case <-received:
		t.Fatal("handler invoked after Unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
