package writer

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/record"
)

// FailoverSink is where a batch goes when the breaker is Open, or when a
// flush ultimately fails after all the breaker's retries are exhausted.
type FailoverSink interface {
	WriteBatch(records []*record.TrackingRecord) error
}

// Config controls batching and table targeting.
type Config struct {
	BatchSize int
	FlushInterval time.Duration

	// TableBucketing enables the staging-table rotation the original
	// source used; leaves it off by default (single raw_events
	// table) and parameterizes the table name by capture-time bucket only
	// when explicitly turned on.
	TableBucketing bool
	BucketWidth time.Duration

	Breaker BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}
	if c.BucketWidth <= 0 {
		c.BucketWidth = 5 * time.Minute
	}
	return c
}

// TableForBucket returns the raw-table name for t. With TableBucketing
// disabled (the default), it always returns "raw_events" — a single table,
// With it enabled, it rotates across 4 round-robin tables
// keyed by a BucketWidth-wide time bucket.
func (c Config) TableForBucket(t time.Time) string {
	if !c.TableBucketing {
		return "raw_events"
	}
	bucket := (t.Unix() / int64(c.BucketWidth.Seconds())) % 4
	return fmt.Sprintf("raw_events_%d", bucket)
}

// BulkWriter drains a writer handoff.Channel into batches and flushes each
// via a single bulk insert, protected by a Breaker.
type BulkWriter struct {
	cfg Config
	db *sql.DB
	ch *handoff.Channel
	breaker *Breaker
	fo FailoverSink

	logger *log.Logger
	metrics *metrics.Metrics

	lastFlushLatency time.Duration
	lastFlushAt time.Time
}

// New creates a BulkWriter. db may be nil in tests that only exercise the
// batching/breaker/failover behaviour: every bulkInsert then fails with a
// "no database configured" error.
func New(cfg Config, db *sql.DB, ch *handoff.Channel, fo FailoverSink) *BulkWriter {
	cfg = cfg.withDefaults()
	return &BulkWriter{
		cfg: cfg,
		db: db,
		ch: ch,
		breaker: NewBreaker(cfg.Breaker),
		fo: fo,
		logger: log.New(log.Writer(), "[WRITER] ", log.LstdFlags),
	}
}

// WithMetrics attaches Prometheus instrumentation: every flush after this
// call records BatchFlushDuration/BatchFlushTotal. Returns w for chaining at
// construction.
func (w *BulkWriter) WithMetrics(m *metrics.Metrics) *BulkWriter {
	w.metrics = m
	return w
}

// Breaker exposes the writer's circuit breaker, e.g. for the health probe
// and the operator circuit-reset endpoint.
func (w *BulkWriter) Breaker() *Breaker { return w.breaker }

// LastFlushLatency reports the duration of the most recent flush attempt,
// used by the health probe.
func (w *BulkWriter) LastFlushLatency() time.Duration { return w.lastFlushLatency }

// Run drains ch, batching by size or time, until ctx is cancelled. On
// cancellation it flushes whatever batch is in flight before returning,
// for a graceful shutdown.
//
// Each iteration waits for the next record with a deadline of
// cfg.FlushInterval, rather than blocking on ch indefinitely: a plain
// blocking receive inside a select's default branch would starve the
// time-based flush under idle traffic, since the outer select is only
// re-evaluated once control returns to the top of the loop.
func (w *BulkWriter) Run(ctx context.Context) {
	batch := make([]*record.TrackingRecord, 0, w.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		if ctx.Err() != nil {
			flush()
			return
		}

		r, ok := w.ch.ReceiveTimeout(ctx, w.cfg.FlushInterval)
		if !ok {
			flush()
			if ctx.Err() != nil {
				return
			}
			continue
		}

		batch = append(batch, r)
		if len(batch) >= w.cfg.BatchSize {
			flush()
		}
	}
}

func (w *BulkWriter) flushBatch(batch []*record.TrackingRecord) {
	records := make([]*record.TrackingRecord, len(batch))
	copy(records, batch)

	if st := w.breaker.State(); st == StateOpen {
		w.metrics.ObserveBatchFlush("circuit_open", 0)
		w.spillToFailover(records, "circuit open")
		return
	}

	start := time.Now()
	err := w.breaker.Flush(func() error {
		return w.bulkInsert(records)
	})
	w.lastFlushLatency = time.Since(start)
	w.lastFlushAt = start

	if err != nil {
		w.metrics.ObserveBatchFlush("failed", w.lastFlushLatency)
		w.logger.Printf("flush failed for batch of %d: %v", len(records), err)
		w.spillToFailover(records, err.Error())
		return
	}
	w.metrics.ObserveBatchFlush("ok", w.lastFlushLatency)
}

func (w *BulkWriter) spillToFailover(records []*record.TrackingRecord, reason string) {
	if w.fo == nil {
		w.logger.Printf("no failover sink configured; %d records dropped (%s)", len(records), reason)
		return
	}
	if err := w.fo.WriteBatch(records); err != nil {
		w.logger.Printf("failover write failed for %d records: %v", len(records), err)
	}
}

// bulkInsert performs one bulk insert via pq.CopyIn, the idiomatic
// lib/pq bulk-load path: a prepared COPY statement fed row-by-row inside a
// single transaction, so the whole batch is one transactional unit from the
// caller's perspective.
func (w *BulkWriter) bulkInsert(records []*record.TrackingRecord) error {
	if w.db == nil {
		return fmt.Errorf("writer: no database configured")
	}
	if len(records) == 0 {
		return nil
	}

	table := w.cfg.TableForBucket(records[0].CapturedAt)

	tx, err := w.db.Begin()
	if err != nil {
		return NewTransientError(fmt.Errorf("begin tx: %w", err))
	}

	stmt, err := tx.Prepare(pq.CopyIn(table,
		"company_id", "pixel_id", "ip_address", "request_path",
		"query_string", "headers_json", "user_agent", "referer", "received_at",
	))
	if err != nil {
		tx.Rollback()
		return classifyPqError(err)
	}

	for _, r := range records {
		if _, err := stmt.Exec(
			r.CompanyID, r.PixelID, r.ClientIP, r.RequestPath,
			r.QueryString, r.HeadersJSON, r.UserAgent, r.Referer, r.CapturedAt,
		); err != nil {
			stmt.Close()
			tx.Rollback()
			return classifyPqError(err)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		tx.Rollback()
		return classifyPqError(err)
	}

	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return classifyPqError(err)
	}

	if err := tx.Commit(); err != nil {
		return NewTransientError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classifyPqError maps a driver error into the taxonomy. Anything
// that isn't recognizably a schema-level problem is treated as transient
// (safe default: retry first, only give up on confirmed-permanent errors).
func classifyPqError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "42": // syntax_error_or_access_rule_violation (includes undefined column/table)
			return NewPermanentError(err)
		}
	}
	return NewTransientError(err)
}
