// Package pipeclient implements the Edge-side connection to Forge's pipe
// listener: a persistent local socket carrying length-
// prefixed JSON frames, fed by a small bounded staging buffer so a
// reconnect storm never blocks the HTTP capture path.
//
// Wire format, grounded on the length-prefixed framing pattern used by
// other local ingestion daemons in this ecosystem: 4-byte big-endian
// length, followed by the UTF-8 JSON payload.
package pipeclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/record"
)

// Config controls connection and staging-buffer behaviour.
type Config struct {
	Addr string // local socket path (unix) the Edge dials

	StagingCapacity int // bounded staging buffer capacity
	StagingDeadline time.Duration // Offer's max wait before reporting failure

	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.StagingCapacity <= 0 {
		c.StagingCapacity = 4096
	}
	if c.StagingDeadline <= 0 {
		c.StagingDeadline = 5 * time.Millisecond
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// Client is a capture.HandoffSink backed by a persistent pipe connection.
// Offer enqueues into a bounded staging buffer; a single background
// goroutine owns the wire connection and drains the buffer into it,
// reconnecting with exponential backoff on failure.
type Client struct {
	cfg Config
	staging *handoff.Channel

	logger *log.Logger
}

// New creates a Client. Call Run in a goroutine to start the connection
// loop before Offer is used in anger (Offer still works beforehand — it
// just buffers until a connection is established).
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		staging: handoff.New(cfg.StagingCapacity, handoff.BlockWithTimeout),
		logger: log.New(log.Writer(), "[PIPECLIENT] ", log.LstdFlags),
	}
}

// WithMetrics attaches Prometheus instrumentation to the staging buffer
// under the "edge_staging" channel name. Returns c for chaining at
// construction.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.staging.WithMetrics("edge_staging", m)
	return c
}

// Offer enqueues r into the staging buffer, waiting up to the configured
// staging deadline (default 5ms) for room. Capture spills to failover on
// false.
func (c *Client) Offer(ctx context.Context, r *record.TrackingRecord, deadline time.Duration) bool {
	if deadline <= 0 {
		deadline = c.cfg.StagingDeadline
	}
	return c.staging.Send(ctx, r, deadline) == handoff.Sent
}

// Run owns the wire connection for the Client's lifetime: dial, drain the
// staging buffer onto the wire, and reconnect with exponential backoff
// (100ms → 5s capped) on any I/O error. Returns when ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.BackoffMin

	for ctx.Err() == nil {
		conn, err := net.Dial("unix", c.cfg.Addr)
		if err != nil {
			c.logger.Printf("dial %s failed: %v (retrying in %s)", c.cfg.Addr, err, backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.BackoffMax)
			continue
		}

		backoff = c.cfg.BackoffMin
		c.drain(ctx, conn)
		conn.Close()
	}
}

// drain writes staged records onto conn until ctx is cancelled or a write
// fails (triggering a reconnect in the caller's loop).
func (c *Client) drain(ctx context.Context, conn net.Conn) {
	for {
		r, ok := c.staging.Receive(ctx)
		if !ok {
			return
		}
		if err := writeFrame(conn, r); err != nil {
			c.logger.Printf("write failed, dropping connection: %v", err)
			// The record at hand is lost from the pipe's perspective;
			// there is no local failover hook left at this layer (a pipe
			// stall is treated as a capture-side failover
			// decision, already made before the record reached here).
			return
		}
	}
}

func writeFrame(conn net.Conn, r *record.TrackingRecord) error {
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", r.RecordID, err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// StagingDepth reports the current staging buffer depth.
func (c *Client) StagingDepth() int { return c.staging.Depth() }
