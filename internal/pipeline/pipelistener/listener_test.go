package pipelistener

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/record"
)

func TestListenerDecodesFrameAndForwardsToChannel(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "forge.sock")
	out := handoff.New(10, handoff.BlockWithTimeout)
	l := New(Config{Addr: sockPath}, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	rec := &record.TrackingRecord{RecordID: "a", CompanyID: "42", PixelID: "7"}
	data, err := rec.Marshal()
	require.NoError(t, err)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	got, ok := out.Receive(context.Background())
	require.True(t, ok)
	require.Equal(t, "a", got.RecordID)
	require.Equal(t, 1, l.ConnectionCount())

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestListenerCountsMalformedFrame(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "forge.sock")
	out := handoff.New(10, handoff.BlockWithTimeout)
	l := New(Config{Addr: sockPath}, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	garbage := []byte("{not json")
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(garbage)))
	conn.Write(lenBuf[:])
	conn.Write(garbage)

	require.Eventually(t, func() bool {
		return l.ProtocolErrors() == 1
	}, time.Second, 10*time.Millisecond)
}
