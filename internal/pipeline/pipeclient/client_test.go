package pipeclient

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/record"
)

func TestOfferFailsWhenStagingBufferFullAndDisconnected(t *testing.T) {
	c := New(Config{Addr: "/nonexistent/socket", StagingCapacity: 1, StagingDeadline: 5 * time.Millisecond})

	ok1 := c.Offer(context.Background(), &record.TrackingRecord{RecordID: "a"}, 0)
	require.True(t, ok1)

	ok2 := c.Offer(context.Background(), &record.TrackingRecord{RecordID: "b"}, 0)
	require.False(t, ok2)
}

func TestRunDeliversFramesOverUnixSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "forge.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan *record.TrackingRecord, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		r, err := record.Unmarshal(payload)
		if err != nil {
			return
		}
		received <- r
	}()

	c := New(Config{Addr: sockPath, BackoffMin: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ok := c.Offer(context.Background(), &record.TrackingRecord{RecordID: "hello"}, time.Second)
	require.True(t, ok)

	select {
	case r := <-received:
		require.Equal(t, "hello", r.RecordID)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived over the socket")
	}
}

func TestNewStartsEmptyAndReportsStagingDepth(t *testing.T) {
	c := New(Config{Addr: "/tmp/ignored.sock", StagingCapacity: 8})
	require.Equal(t, 0, c.StagingDepth())
	c.Offer(context.Background(), &record.TrackingRecord{RecordID: "x"}, time.Millisecond)
	require.Equal(t, 1, c.StagingDepth())
}
