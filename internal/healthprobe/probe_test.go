package healthprobe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/writer"
)

type fakeRemediator struct {
	watermarkResets int
	geoCacheClears  int
	failWatermark   bool
}

func (f *fakeRemediator) ResetStuckWatermark() error {
	f.watermarkResets++
	if f.failWatermark {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeRemediator) ClearGeoCache() { f.geoCacheClears++ }

func TestSnapshotFlagsOpenCircuit(t *testing.T) {
	b := writer.NewBreaker(writer.BreakerConfig{ConsecutiveToTrip: 1, Retries: 0})
	b.Flush(func() error { return errors.New("db down") })

	p := New(Config{}, b, nil, nil, nil, nil, nil, nil)
	snap := p.snapshot()

	require.Equal(t, "Open", snap.WriterCircuitState)
	require.Len(t, snap.Issues, 1)
	require.Equal(t, "writer_circuit_open", snap.Issues[0].Type)
}

func TestStuckWatermarkTriggersRemediationAfterThreshold(t *testing.T) {
	rem := &fakeRemediator{}
	depths := map[string]ChannelDepth{
		"writer": {Depth: func() int { return 10 }, Capacity: func() int { return 10 }},
	}
	p := New(Config{SaturatedTicksBeforeStuck: 2}, nil, depths, nil, nil, nil, rem, nil)

	snap1 := p.snapshot()
	require.Empty(t, snap1.Issues)

	snap2 := p.snapshot()
	require.Len(t, snap2.Issues, 1)
	p.handleIssue(snap2.Issues[0])

	require.Equal(t, 1, rem.watermarkResets)
}

func TestGeoCacheStaleTriggersClear(t *testing.T) {
	rem := &fakeRemediator{}
	p := New(Config{}, nil, nil, nil, nil, nil, rem, nil)
	p.cfg.GeoCacheStale = func() bool { return true }

	snap := p.snapshot()
	require.Len(t, snap.Issues, 1)
	p.handleIssue(snap.Issues[0])

	require.Equal(t, 1, rem.geoCacheClears)
}

func TestDedupeSuppressesRepeatedIssueWithinWindow(t *testing.T) {
	rem := &fakeRemediator{}
	p := New(Config{DedupeWindow: time.Hour}, nil, nil, nil, nil, nil, rem, nil)
	p.cfg.GeoCacheStale = func() bool { return true }

	snap1 := p.snapshot()
	p.handleIssue(snap1.Issues[0])
	snap2 := p.snapshot()
	p.handleIssue(snap2.Issues[0])

	require.Equal(t, 1, rem.geoCacheClears)
}

func TestRunEmitsAtLeastOneSnapshotImmediately(t *testing.T) {
	p := New(Config{Interval: time.Hour}, nil, nil, nil, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !p.LastSnapshot().Time.IsZero()
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
