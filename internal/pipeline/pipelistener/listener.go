// Package pipelistener implements the Forge-side accept loop for the local
// pipe: accept concurrent Edge connections, and for each,
// run a dedicated reader that deserializes length-prefixed JSON frames and
// forwards them into the enrichment handoff channel with blocking
// semantics — the Edge experiences back-pressure as pipe write stalls.
package pipelistener

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/record"
)

// maxFrameBytes bounds a single frame's payload, guarding against a
// corrupt length prefix turning into an unbounded allocation.
const maxFrameBytes = 10 * 1024 * 1024

// Config controls where the listener binds.
type Config struct {
	Addr string // unix socket path
}

// Listener accepts Edge connections and feeds decoded records into out.
type Listener struct {
	cfg Config
	out *handoff.Channel

	logger *log.Logger
	ln net.Listener
	wg sync.WaitGroup

	connections int64
	protocolErrs int64

	metrics *metrics.Metrics
}

// New wires a Listener against the enrichment handoff channel.
func New(cfg Config, out *handoff.Channel) *Listener {
	return &Listener{
		cfg: cfg,
		out: out,
		logger: log.New(log.Writer(), "[PIPELISTENER] ", log.LstdFlags),
	}
}

// WithMetrics attaches Prometheus instrumentation: every connection
// accepted or closed after this call updates PipeConnections. Returns l for
// chaining at construction.
func (l *Listener) WithMetrics(m *metrics.Metrics) *Listener {
	l.metrics = m
	return l
}

// Run binds the socket and accepts connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	os.Remove(l.cfg.Addr)

	ln, err := net.Listen("unix", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("pipelistener: listen on %s: %w", l.cfg.Addr, err)
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Printf("accept error: %v", err)
			continue
		}
		atomic.AddInt64(&l.connections, 1)
		l.metrics.SetPipeConnections(l.ConnectionCount())
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				atomic.AddInt64(&l.connections, -1)
				l.metrics.SetPipeConnections(l.ConnectionCount())
			}()
			l.handle(ctx, conn)
		}()
	}

	l.wg.Wait()
	return nil
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		r, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				l.logger.Printf("connection from %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}

		decoded, err := record.Unmarshal(r)
		if err != nil {
			atomic.AddInt64(&l.protocolErrs, 1)
			l.logger.Printf("malformed frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}

		// Indefinitely blocking hand-off: the Edge's write stalls if
		// Forge's enrichment stage can't keep up; back-pressure is the
		// intended contract here.
		if l.out.Send(ctx, decoded, 0) != handoff.Sent {
			return
		}
	}
}

func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", n, maxFrameBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ConnectionCount reports the number of currently-open Edge connections,
// consumed by the health probe.
func (l *Listener) ConnectionCount() int {
	return int(atomic.LoadInt64(&l.connections))
}

// ProtocolErrors reports the running count of malformed frames received.
func (l *Listener) ProtocolErrors() int64 {
	return atomic.LoadInt64(&l.protocolErrs)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
