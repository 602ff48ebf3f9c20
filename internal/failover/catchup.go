package failover

import (
	"bufio"
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/record"
)

// CatchupConfig controls the periodic scan.
type CatchupConfig struct {
	Dir string
	ScanInterval time.Duration
}

func (c CatchupConfig) withDefaults() CatchupConfig {
	if c.Dir == "" {
		c.Dir = "failover"
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Second
	}
	return c
}

// Catchup replays failover files older than the current UTC date into the
// enrichment handoff channel, deleting each file once every record in it has
// been handed off.
type Catchup struct {
	cfg CatchupConfig
	ch *handoff.Channel
	pubsub *PubSubCatchupSink

	logger *log.Logger
	nowFunc func() time.Time
	skipCount int
	metrics *metrics.Metrics
}

// NewCatchup wires a Catchup worker against the enrichment handoff channel.
// pubsub may be nil; when non-nil, every successfully-replayed record is
// also fanned out to it.
func NewCatchup(cfg CatchupConfig, ch *handoff.Channel, pubsub *PubSubCatchupSink) *Catchup {
	return &Catchup{
		cfg: cfg.withDefaults(),
		ch: ch,
		pubsub: pubsub,
		logger: log.New(log.Writer(), "[FAILOVER-CATCHUP] ", log.LstdFlags),
		nowFunc: time.Now,
	}
}

// WithMetrics attaches Prometheus instrumentation: every malformed line
// skipped during replay after this call records FailoverLinesSkipped.
// Returns c for chaining at construction.
func (c *Catchup) WithMetrics(m *metrics.Metrics) *Catchup {
	c.metrics = m
	return c
}

// Run scans cfg.Dir every ScanInterval until ctx is cancelled.
func (c *Catchup) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		c.scanOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Catchup) scanOnce(ctx context.Context) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Printf("scan failed: %v", err)
		}
		return
	}

	today := c.nowFunc().UTC().Format("2006-01-02") + ".jsonl"

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == today {
			continue
		}
		if filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		c.processFile(ctx, filepath.Join(c.cfg.Dir, name))
	}
}

// processFile streams one file line-by-line, hands each record off with the
// channel's indefinitely-blocking semantics, and deletes the file only if
// every line was fully handed off: never delete a file with
// un-handed-off records.
func (c *Catchup) processFile(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		c.logger.Printf("open %s: %v", path, err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	complete := true
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		r, err := record.Unmarshal(line)
		if err != nil {
			c.skipCount++
			c.metrics.IncFailoverLinesSkipped()
			c.logger.Printf("%v", newProtocolError(lineNo, err))
			continue
		}

		if c.ch.Send(ctx, r, 0) != handoff.Sent {
			// ctx cancelled mid-replay (shutdown): stop, leave the file
			// in place for the next scan.
			complete = false
			break
		}
		if c.pubsub != nil {
			c.pubsub.PublishAsync(ctx, r)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Printf("scan error reading %s: %v", path, err)
		complete = false
	}

	if !complete {
		return
	}

	if err := os.Remove(path); err != nil {
		c.logger.Printf("remove completed file %s: %v", path, err)
	}
}

// SkippedLines reports the running count of undecodable lines encountered.
func (c *Catchup) SkippedLines() int { return c.skipCount }
