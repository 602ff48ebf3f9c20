// Package metrics holds every Prometheus metric the ingest pipeline
// exports, grounded on the promauto registration pattern used throughout
// this codebase's domain services.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the capture/handoff/writer
// pipeline.
type Metrics struct {
	CaptureRequestsTotal  *prometheus.CounterVec
	CaptureLatency        prometheus.Histogram
	CaptureDatacenterHits *prometheus.CounterVec

	HandoffDepth    *prometheus.GaugeVec
	HandoffDropped  *prometheus.CounterVec
	HandoffTimedOut *prometheus.CounterVec

	BatchFlushDuration prometheus.Histogram
	BatchFlushTotal    *prometheus.CounterVec

	WriterCircuitState *prometheus.GaugeVec

	FailoverFileBytes  prometheus.Gauge
	FailoverFileCount  prometheus.Gauge
	FailoverLinesSkipped prometheus.Counter

	GeoCacheHits   *prometheus.CounterVec
	GeoCacheClears prometheus.Counter

	PipeConnections prometheus.Gauge
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return &Metrics{
		CaptureRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpixl_capture_requests_total",
				Help: "Total pixel requests captured, by outcome",
			},
			[]string{"outcome"}, // handed_off, failover, dropped
		),
		CaptureLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smartpixl_capture_latency_seconds",
				Help:    "Time spent in the synchronous capture path, from request to hand-off decision",
				Buckets: prometheus.DefBuckets,
			},
		),
		CaptureDatacenterHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpixl_capture_datacenter_hits_total",
				Help: "Requests classified as originating from a known datacenter CIDR range",
			},
			[]string{"provider"},
		),

		HandoffDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smartpixl_handoff_depth",
				Help: "Current queued record count for a named handoff channel",
			},
			[]string{"channel"},
		),
		HandoffDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpixl_handoff_dropped_total",
				Help: "Records dropped by a drop-oldest handoff channel under overflow",
			},
			[]string{"channel"},
		),
		HandoffTimedOut: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpixl_handoff_timed_out_total",
				Help: "Bounded-blocking handoff sends that timed out",
			},
			[]string{"channel"},
		),

		BatchFlushDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smartpixl_writer_batch_flush_duration_seconds",
				Help:    "Duration of a single bulk-insert flush attempt",
				Buckets: prometheus.DefBuckets,
			},
		),
		BatchFlushTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpixl_writer_batch_flush_total",
				Help: "Bulk-insert flush attempts, by outcome",
			},
			[]string{"outcome"}, // ok, failed, circuit_open
		),

		WriterCircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smartpixl_writer_circuit_state",
				Help: "Writer circuit breaker state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"}, // Closed, Open, HalfOpen
		),

		FailoverFileBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartpixl_failover_file_bytes_total",
				Help: "Total bytes across all pending failover files",
			},
		),
		FailoverFileCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartpixl_failover_file_count",
				Help: "Number of failover files awaiting catch-up",
			},
		),
		FailoverLinesSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "smartpixl_failover_lines_skipped_total",
				Help: "Failover lines skipped due to decode errors",
			},
		),

		GeoCacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartpixl_geocache_lookups_total",
				Help: "Geo cache lookups, by outcome",
			},
			[]string{"outcome"}, // hit, miss, stale
		),
		GeoCacheClears: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "smartpixl_geocache_clears_total",
				Help: "Geo cache clear operations (operator-triggered or self-healing)",
			},
		),

		PipeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartpixl_pipe_connections",
				Help: "Currently open pipe-listener connections from Edge instances",
			},
		),
	}
}

// SetCircuitState records the active writer circuit state as a one-hot
// gauge set, matching the Prometheus convention for enum-like state exposed
// via a labeled gauge. active is a writer.State.String() value (Closed,
// Open, HalfOpen).
func (m *Metrics) SetCircuitState(active string) {
	for _, state := range []string{"Closed", "Open", "HalfOpen"} {
		v := 0.0
		if state == active {
			v = 1.0
		}
		m.WriterCircuitState.WithLabelValues(state).Set(v)
	}
}

// Every method below is nil-receiver safe, so a component can hold a *Metrics
// that's nil in tests (or in a deployment that skips metrics wiring
// entirely) and call these unconditionally rather than guard every call
// site.

// ObserveCapture records one capture request's outcome and latency. outcome
// is one of "handed_off", "failover", "dropped".
func (m *Metrics) ObserveCapture(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CaptureRequestsTotal.WithLabelValues(outcome).Inc()
	m.CaptureLatency.Observe(d.Seconds())
}

// IncDatacenterHit records one request classified against a known
// datacenter CIDR range, labeled by the matched provider.
func (m *Metrics) IncDatacenterHit(provider string) {
	if m == nil {
		return
	}
	m.CaptureDatacenterHits.WithLabelValues(provider).Inc()
}

// SetHandoffDepth records a named handoff channel's current queue depth.
func (m *Metrics) SetHandoffDepth(channel string, depth int) {
	if m == nil {
		return
	}
	m.HandoffDepth.WithLabelValues(channel).Set(float64(depth))
}

// IncHandoffDropped records one drop-oldest eviction on a named handoff
// channel.
func (m *Metrics) IncHandoffDropped(channel string) {
	if m == nil {
		return
	}
	m.HandoffDropped.WithLabelValues(channel).Inc()
}

// IncHandoffTimedOut records one bounded-blocking send that timed out on a
// named handoff channel.
func (m *Metrics) IncHandoffTimedOut(channel string) {
	if m == nil {
		return
	}
	m.HandoffTimedOut.WithLabelValues(channel).Inc()
}

// ObserveBatchFlush records one bulk-insert flush attempt's outcome and
// duration. outcome is one of "ok", "failed", "circuit_open".
func (m *Metrics) ObserveBatchFlush(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchFlushTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.BatchFlushDuration.Observe(d.Seconds())
	}
}

// SetFailoverStats records the current pending failover-file count and
// total byte size.
func (m *Metrics) SetFailoverStats(fileCount int, totalBytes int64) {
	if m == nil {
		return
	}
	m.FailoverFileCount.Set(float64(fileCount))
	m.FailoverFileBytes.Set(float64(totalBytes))
}

// IncFailoverLinesSkipped records one malformed failover line skipped
// during catch-up replay.
func (m *Metrics) IncFailoverLinesSkipped() {
	if m == nil {
		return
	}
	m.FailoverLinesSkipped.Inc()
}

// IncGeoCacheLookup records one geo cache lookup outcome: "hit", "miss", or
// "stale".
func (m *Metrics) IncGeoCacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.GeoCacheHits.WithLabelValues(outcome).Inc()
}

// IncGeoCacheClear records one geo cache clear (operator-triggered or
// self-healing).
func (m *Metrics) IncGeoCacheClear() {
	if m == nil {
		return
	}
	m.GeoCacheClears.Inc()
}

// SetPipeConnections records the pipe listener's current live connection
// count.
func (m *Metrics) SetPipeConnections(n int) {
	if m == nil {
		return
	}
	m.PipeConnections.Set(float64(n))
}
