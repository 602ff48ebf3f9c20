// Package healthprobe implements the self-healing snapshot loop:
// periodically snapshot every component's health, emit a
// structured event for operator consumption, de-duplicate repeated issues,
// and auto-execute safe remediation.
package healthprobe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/writer"
)

// Severity classifies a detected issue.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one detected health problem.
type Issue struct {
	Type string `json:"type"`
	Severity Severity `json:"severity"`
	Detail string `json:"detail"`
}

// Snapshot is the structured health report emitted every interval.
type Snapshot struct {
	Time time.Time `json:"time"`
	WriterCircuitState string `json:"writer_circuit_state"`
	WriterLastTripReason string `json:"writer_last_trip_reason,omitempty"`
	HandoffDepths map[string]int `json:"handoff_depths"`
	FailoverFileCount int `json:"failover_file_count"`
	FailoverTotalBytes int64 `json:"failover_total_bytes"`
	LastFlushLatencyMS float64 `json:"last_flush_latency_ms"`
	PipeConnectionCount int `json:"pipe_connection_count"`
	Issues []Issue `json:"issues"`
}

// ChannelDepth reports a named channel's current depth and fixed capacity,
// satisfied by handoff.Channel.Depth/Capacity.
type ChannelDepth struct {
	Depth func() int
	Capacity func() int
}

// FailoverStats reports the current failover directory's file count and
// total bytes.
type FailoverStats func() (fileCount int, totalBytes int64, err error)

// PipeConnections reports the pipe listener's live connection count.
type PipeConnections func() int

// Remediator performs the two safe auto-remediation actions: resetting a
// stuck downstream watermark, and clearing the geo
// cache. Both are idempotent; Probe calls them at most once per detected
// issue occurrence.
type Remediator interface {
	ResetStuckWatermark() error
	ClearGeoCache()
}

// Config controls the probe's cadence and thresholds.
type Config struct {
	Interval time.Duration

	DedupeWindow time.Duration

	// SaturatedTicksBeforeStuck is how many consecutive full-to-capacity
	// ticks a handoff channel must show before it's treated as a
	// stuck downstream watermark.
	SaturatedTicksBeforeStuck int

	// GeoCacheStale, when set, lets the probe ask the geo cache itself
	// whether it looks stuck (e.g. backfill queue persistently full);
	// true triggers the geo-cache-clear auto-remediation.
	GeoCacheStale func() bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 2 * time.Hour
	}
	if c.SaturatedTicksBeforeStuck <= 0 {
		c.SaturatedTicksBeforeStuck = 3
	}
	return c
}

type dedupeKey struct {
	issueType string
	severity Severity
}

// Probe periodically snapshots health and emits a CloudEvent.
type Probe struct {
	cfg Config

	breaker *writer.Breaker
	handoffDepths map[string]ChannelDepth
	failoverStats FailoverStats
	pipeConnections PipeConnections
	lastFlushMS func() float64
	remediator Remediator

	emitter events.EventEmitter
	logger *log.Logger

	mu sync.Mutex
	lastSeen map[dedupeKey]time.Time
	lastSnapshot Snapshot
	saturatedTicks map[string]int
}

// New wires a Probe from its collaborators. Any of handoffDepths,
// failoverStats, pipeConnections, remediator may be a zero value the caller
// chooses not to wire; the corresponding section of the snapshot is simply
// left at its zero value.
func New(cfg Config, breaker *writer.Breaker, handoffDepths map[string]ChannelDepth, failoverStats FailoverStats, pipeConnections PipeConnections, lastFlushMS func() float64, remediator Remediator, emitter events.EventEmitter) *Probe {
	return &Probe{
		cfg: cfg.withDefaults(),
		breaker: breaker,
		handoffDepths: handoffDepths,
		failoverStats: failoverStats,
		pipeConnections: pipeConnections,
		lastFlushMS: lastFlushMS,
		remediator: remediator,
		emitter: emitter,
		logger: log.New(log.Writer(), "[HEALTHPROBE] ", log.LstdFlags),
		lastSeen: make(map[dedupeKey]time.Time),
		saturatedTicks: make(map[string]int),
	}
}

// Run snapshots on cfg.Interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Probe) tick() {
	snap := p.snapshot()

	p.mu.Lock()
	p.lastSnapshot = snap
	p.mu.Unlock()

	for _, issue := range snap.Issues {
		p.handleIssue(issue)
	}

	if p.emitter != nil {
		issues := make([]events.HealthIssue, len(snap.Issues))
		for i, iss := range snap.Issues {
			issues[i] = events.HealthIssue{Type: iss.Type, Severity: string(iss.Severity), Detail: iss.Detail}
		}
		p.emitter.EmitHealthSnapshot(events.HealthSnapshot{
			WriterCircuitState: snap.WriterCircuitState,
			HandoffDepths: snap.HandoffDepths,
			FailoverFileCount: snap.FailoverFileCount,
			FailoverTotalBytes: snap.FailoverTotalBytes,
			LastFlushLatencyMS: snap.LastFlushLatencyMS,
			PipeConnectionCount: snap.PipeConnectionCount,
			Issues: issues,
		})
	}
}

func (p *Probe) snapshot() Snapshot {
	now := time.Now().UTC()
	snap := Snapshot{Time: now, HandoffDepths: make(map[string]int)}

	if p.breaker != nil {
		state := p.breaker.State()
		snap.WriterCircuitState = state.String()
		snap.WriterLastTripReason = p.breaker.LastTrip().Reason
		if state == writer.StateOpen {
			snap.Issues = append(snap.Issues, Issue{
				Type: "writer_circuit_open", Severity: SeverityCritical,
				Detail: fmt.Sprintf("writer circuit open: %s", snap.WriterLastTripReason),
			})
		}
	}

	for name, cd := range p.handoffDepths {
		depth := cd.Depth()
		snap.HandoffDepths[name] = depth

		if cd.Capacity == nil {
			continue
		}
		cap := cd.Capacity()
		if cap > 0 && depth >= cap {
			p.mu.Lock()
			p.saturatedTicks[name]++
			ticks := p.saturatedTicks[name]
			p.mu.Unlock()
			if ticks >= p.cfg.SaturatedTicksBeforeStuck {
				snap.Issues = append(snap.Issues, Issue{
					Type: "stuck_downstream_watermark", Severity: SeverityCritical,
					Detail: fmt.Sprintf("handoff channel %q has been at capacity for %d consecutive probe ticks", name, ticks),
				})
			}
		} else {
			p.mu.Lock()
			p.saturatedTicks[name] = 0
			p.mu.Unlock()
		}
	}

	if p.cfg.GeoCacheStale != nil && p.cfg.GeoCacheStale() {
		snap.Issues = append(snap.Issues, Issue{
			Type: "geo_cache_stale", Severity: SeverityWarning,
			Detail: "geo cache backfill queue has not drained; clearing hot tier",
		})
	}

	if p.failoverStats != nil {
		count, bytes, err := p.failoverStats()
		if err != nil {
			snap.Issues = append(snap.Issues, Issue{
				Type: "failover_stat_error", Severity: SeverityWarning, Detail: err.Error(),
			})
		} else {
			snap.FailoverFileCount = count
			snap.FailoverTotalBytes = bytes
			if count > 1 {
				snap.Issues = append(snap.Issues, Issue{
					Type: "failover_backlog", Severity: SeverityWarning,
					Detail: fmt.Sprintf("%d failover files pending catch-up", count),
				})
			}
		}
	}

	if p.pipeConnections != nil {
		snap.PipeConnectionCount = p.pipeConnections()
	}

	if p.lastFlushMS != nil {
		snap.LastFlushLatencyMS = p.lastFlushMS()
	}

	return snap
}

// handleIssue de-dupes repeated issues by (type, severity) within
// cfg.DedupeWindow, and auto-executes safe remediation for the issue types
// this probe knows how to fix.
func (p *Probe) handleIssue(issue Issue) {
	key := dedupeKey{issueType: issue.Type, severity: issue.Severity}

	p.mu.Lock()
	last, seen := p.lastSeen[key]
	now := time.Now()
	if seen && now.Sub(last) < p.cfg.DedupeWindow {
		p.mu.Unlock()
		return
	}
	p.lastSeen[key] = now
	p.mu.Unlock()

	p.logger.Printf("issue detected: %s (%s): %s", issue.Type, issue.Severity, issue.Detail)

	if p.remediator == nil {
		return
	}
	switch issue.Type {
	case "stuck_downstream_watermark":
		if err := p.remediator.ResetStuckWatermark(); err != nil {
			p.logger.Printf("auto-remediation failed for %s: %v", issue.Type, err)
		}
	case "geo_cache_stale":
		p.remediator.ClearGeoCache()
	case "writer_circuit_open":
		// Operator-triggered reset only: an automatic
		// reset here would mask a genuinely unhealthy database.
	}
}

// LastSnapshot returns the most recently computed snapshot, used by the
// operator's /internal/health endpoint so it never blocks on a fresh probe
// tick.
func (p *Probe) LastSnapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSnapshot
}
