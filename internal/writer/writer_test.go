package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/record"
)

type captureFailover struct {
	mu      sync.Mutex
	batches [][]*record.TrackingRecord
}

func (f *captureFailover) WriteBatch(records []*record.TrackingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*record.TrackingRecord, len(records))
	copy(cp, records)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *captureFailover) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func rec(id string) *record.TrackingRecord {
	return &record.TrackingRecord{RecordID: id, CompanyID: "42", PixelID: "7", CapturedAt: time.Now().UTC()}
}

// TestNoDatabaseSpillsEveryBatchToFailover exercises BulkWriter with db=nil,
// which makes every flush attempt fail with "no database configured"; after
// enough consecutive failures the breaker trips and every subsequent batch
// short-circuits straight to failover without calling bulkInsert at all.
func TestNoDatabaseSpillsEveryBatchToFailover(t *testing.T) {
	ch := handoff.New(100, handoff.DropOldest)
	fo := &captureFailover{}
	w := New(Config{BatchSize: 2, FlushInterval: 10 * time.Millisecond, Breaker: BreakerConfig{ConsecutiveToTrip: 2, Retries: 0}}, nil, ch, fo)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() {
		for i := 0; i < 6; i++ {
			ch.Send(context.Background(), rec("r"), time.Second)
		}
	}()

	w.Run(ctx)

	require.Equal(t, 6, fo.total())
	require.Equal(t, StateOpen, w.Breaker().State())
}

func TestTableForBucketDefaultsToSingleTable(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, "raw_events", cfg.TableForBucket(time.Now()))
}

func TestTableForBucketRotatesWhenEnabled(t *testing.T) {
	cfg := Config{TableBucketing: true, BucketWidth: time.Minute}.withDefaults()
	a := cfg.TableForBucket(time.Unix(0, 0))
	b := cfg.TableForBucket(time.Unix(60, 0))
	require.NotEqual(t, a, b)
}

func TestRunFlushesOnShutdownEvenBelowBatchSize(t *testing.T) {
	ch := handoff.New(10, handoff.DropOldest)
	fo := &captureFailover{}
	w := New(Config{BatchSize: 1000, FlushInterval: time.Hour}, nil, ch, fo)

	ch.Send(context.Background(), rec("only-one"), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	var done int32
	go func() {
		w.Run(ctx)
		atomic.StoreInt32(&done, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&done))
	require.Equal(t, 1, fo.total())
}

// TestRunFlushesOnIntervalBelowBatchSize sends a single record, below
// BatchSize, and sends nothing further. Run must still flush it once
// FlushInterval elapses, rather than waiting forever for the batch to fill.
func TestRunFlushesOnIntervalBelowBatchSize(t *testing.T) {
	ch := handoff.New(10, handoff.DropOldest)
	fo := &captureFailover{}
	w := New(Config{BatchSize: 1000, FlushInterval: 20 * time.Millisecond}, nil, ch, fo)

	ch.Send(context.Background(), rec("only-one"), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return fo.total() == 1
	}, 150*time.Millisecond, 5*time.Millisecond, "time-threshold flush never ran for a below-batch-size record")

	cancel()
	<-done
}

func TestFlushBatchRoutesToFailoverWhenBreakerOpen(t *testing.T) {
	fo := &captureFailover{}
	w := New(Config{}, nil, handoff.New(10, handoff.DropOldest), fo)
	w.breaker.transitionLocked(StateOpen, "forced for test")
	w.breaker.openedAt = time.Now()

	w.flushBatch([]*record.TrackingRecord{rec("a"), rec("b")})

	require.Equal(t, 2, fo.total())
}

func TestClassifyPqErrorDefaultsTransientForUnknownErrors(t *testing.T) {
	err := classifyPqError(context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrTransient)
}
