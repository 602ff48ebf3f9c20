package failover

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/record"
)

func rec(id string) *record.TrackingRecord {
	return (&record.TrackingRecord{RecordID: id, CompanyID: "42", PixelID: "7", CapturedAt: time.Now().UTC()}).Seal()
}

func TestWriteBatchAppendsOneLinePerRecordAndFlushes(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir})
	require.NoError(t, err)

	require.NoError(t, w.WriteBatch([]*record.TrackingRecord{rec("a"), rec("b")}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(w.CurrentFile())
	require.NoError(t, err)

	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			lines++
		}
	}
	require.Equal(t, 2, lines)
}

func TestRotationClosesPreviousDayAndOpensNew(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir})
	require.NoError(t, err)

	day1 := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	w.nowFunc = func() time.Time { return day1 }
	require.NoError(t, w.Write(rec("a")))

	day2 := time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC)
	w.nowFunc = func() time.Time { return day2 }
	require.NoError(t, w.Write(rec("b")))

	require.FileExists(t, filepath.Join(dir, "2026-01-01.jsonl"))
	require.FileExists(t, filepath.Join(dir, "2026-01-02.jsonl"))
}

func TestCatchupReplaysAndDeletesCompletedOldFile(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "2020-01-01.jsonl")

	r1, _ := rec("a").Marshal()
	r2, _ := rec("b").Marshal()
	require.NoError(t, os.WriteFile(oldPath, append(append(r1, '\n'), append(r2, '\n')...), 0o644))

	ch := handoff.New(10, handoff.BlockWithTimeout)
	c := NewCatchup(CatchupConfig{Dir: dir}, ch, nil)
	c.nowFunc = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	c.scanOnce(context.Background())

	require.NoFileExists(t, oldPath)
	first, ok := ch.Receive(context.Background())
	require.True(t, ok)
	require.Equal(t, "a", first.RecordID)
}

func TestCatchupSkipsCurrentDayFile(t *testing.T) {
	dir := t.TempDir()
	today := "2026-01-01.jsonl"
	r1, _ := rec("a").Marshal()
	require.NoError(t, os.WriteFile(filepath.Join(dir, today), append(r1, '\n'), 0o644))

	ch := handoff.New(10, handoff.BlockWithTimeout)
	c := NewCatchup(CatchupConfig{Dir: dir}, ch, nil)
	c.nowFunc = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }

	c.scanOnce(context.Background())

	require.FileExists(t, filepath.Join(dir, today))
	require.Equal(t, 0, ch.Depth())
}

func TestCatchupSkipsMalformedLineButDeletesFileOnCompletion(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "2020-01-01.jsonl")
	r1, _ := rec("a").Marshal()
	content := append(r1, '\n')
	content = append(content, []byte("{not json\n")...)
	require.NoError(t, os.WriteFile(oldPath, content, 0o644))

	ch := handoff.New(10, handoff.BlockWithTimeout)
	c := NewCatchup(CatchupConfig{Dir: dir}, ch, nil)
	c.nowFunc = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	c.scanOnce(context.Background())

	require.NoFileExists(t, oldPath)
	require.Equal(t, 1, ch.Depth())
}
