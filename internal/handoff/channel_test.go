package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/ocx/backend/internal/record"
	"github.com/stretchr/testify/require"
)

func rec(id string) *record.TrackingRecord {
	return &record.TrackingRecord{RecordID: id}
}

func TestTrySendDropOldestNeverBlocks(t *testing.T) {
	c := New(2, DropOldest)
	require.Equal(t, OK, c.TrySend(rec("a")))
	require.Equal(t, OK, c.TrySend(rec("b")))
	require.Equal(t, Dropped, c.TrySend(rec("c")))

	first, _ := c.Receive(context.Background())
	require.Equal(t, "b", first.RecordID, "oldest (a) was evicted to make room for c")
}

func TestTrySendBlockWithTimeoutReturnsWouldBlockWhenFull(t *testing.T) {
	c := New(1, BlockWithTimeout)
	require.Equal(t, OK, c.TrySend(rec("a")))
	require.Equal(t, WouldBlock, c.TrySend(rec("b")))
}

func TestSendTimesOutWhenFull(t *testing.T) {
	c := New(1, BlockWithTimeout)
	require.Equal(t, Sent, c.Send(context.Background(), rec("a"), 10*time.Millisecond))
	result := c.Send(context.Background(), rec("b"), 10*time.Millisecond)
	require.Equal(t, TimedOut, result)
}

func TestDepthAndCapacity(t *testing.T) {
	c := New(5, DropOldest)
	require.Equal(t, 5, c.Capacity())
	require.Equal(t, 0, c.Depth())
	c.TrySend(rec("a"))
	require.Equal(t, 1, c.Depth())
}

func TestFIFOOrderingPerProducer(t *testing.T) {
	c := New(10, BlockWithTimeout)
	for i := 0; i < 5; i++ {
		c.TrySend(rec(string(rune('a' + i))))
	}
	for i := 0; i < 5; i++ {
		r, ok := c.Receive(context.Background())
		require.True(t, ok)
		require.Equal(t, string(rune('a'+i)), r.RecordID)
	}
}
