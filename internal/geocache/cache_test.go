package geocache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetMissEnqueuesBackfillAndDoesNotBlock(t *testing.T) {
	cold := &StaticColdStore{Table: map[string]*Entry{
		"203.0.113.9": {Country: "US", City: "Seattle"},
	}}
	c := New(Config{HotCapacity: 10, BackfillQueueSize: 10}, cold)

	entry, ok := c.Get("203.0.113.9", time.Now())
	require.False(t, ok)
	require.Nil(t, entry)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.RunBackfillWorker(ctx)

	entry, ok = c.Get("203.0.113.9", time.Now())
	require.True(t, ok)
	require.Equal(t, "US", entry.Country)
}

func TestClearIsAtomicAndObservableImmediately(t *testing.T) {
	cold := &StaticColdStore{Table: map[string]*Entry{"1.2.3.4": {Country: "FR"}}}
	c := New(Config{}, cold)
	c.put(&Entry{IP: "1.2.3.4", Country: "FR", SourceOfTruth: time.Now()})

	_, ok := c.Get("1.2.3.4", time.Now())
	require.True(t, ok)

	c.Clear()

	_, ok = c.Get("1.2.3.4", time.Now())
	require.False(t, ok)
}

func TestStaleEntryTriggersOpportunisticBackfillButStillHits(t *testing.T) {
	cold := &StaticColdStore{Table: map[string]*Entry{"1.2.3.4": {Country: "DE"}}}
	c := New(Config{StaleAfter: time.Hour}, cold)
	c.put(&Entry{IP: "1.2.3.4", Country: "FR", SourceOfTruth: time.Now().Add(-2 * time.Hour)})

	entry, ok := c.Get("1.2.3.4", time.Now())
	require.True(t, ok, "a stale entry is still a hit, just queued for refresh")
	require.Equal(t, "FR", entry.Country)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.RunBackfillWorker(ctx)

	entry, _ = c.Get("1.2.3.4", time.Now())
	require.Equal(t, "DE", entry.Country, "backfill replaces the stale snapshot")
}

func TestDropOldestQueueOverflowDropsOldest(t *testing.T) {
	q := newDropOldestQueue(2)
	q.push("a")
	q.push("b")
	q.push("c") // should drop "a"

	ctx := context.Background()
	first, _ := q.pop(ctx)
	second, _ := q.pop(ctx)
	require.Equal(t, "b", first)
	require.Equal(t, "c", second)
}
