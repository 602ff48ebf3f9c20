// Package events distributes healthprobe.Snapshot health events to whoever
// wants them: a Pub/Sub topic for cross-host operator dashboards, and (via
// the embedded in-memory bus) same-process subscribers. Every event on this
// bus is a health snapshot — there is exactly one event type, so the
// envelope carries a typed payload instead of a generic property bag.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// healthSnapshotType is the CloudEvents type string for every event this
// package emits.
const healthSnapshotType = "com.smartpixl.health.snapshot"

// HealthIssue mirrors healthprobe.Issue without importing that package
// (which imports this one for EventEmitter).
type HealthIssue struct {
	Type string `json:"type"`
	Severity string `json:"severity"`
	Detail string `json:"detail"`
}

// HealthSnapshot is the payload carried by every event this bus emits,
// mirroring healthprobe.Snapshot's fields.
type HealthSnapshot struct {
	WriterCircuitState string `json:"writer_circuit_state"`
	HandoffDepths map[string]int `json:"handoff_depths"`
	FailoverFileCount int `json:"failover_file_count"`
	FailoverTotalBytes int64 `json:"failover_total_bytes"`
	LastFlushLatencyMS float64 `json:"last_flush_latency_ms"`
	PipeConnectionCount int `json:"pipe_connection_count"`
	Issues []HealthIssue `json:"issues"`
}

// EventEmitter is satisfied by both EventBus and PubSubEventBus.
type EventEmitter interface {
	EmitHealthSnapshot(snap HealthSnapshot)
}

// CloudEvent is the CloudEvents 1.0 envelope wrapping a HealthSnapshot.
type CloudEvent struct {
	SpecVersion string `json:"specversion"`
	Type string `json:"type"`
	Source string `json:"source"`
	ID string `json:"id"`
	Time time.Time `json:"time"`
	Data HealthSnapshot `json:"data"`
}

func newHealthSnapshotEvent(source string, snap HealthSnapshot) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type: healthSnapshotType,
		Source: source,
		ID: fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time: time.Now(),
		Data: snap,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// EventBus is an in-process fan-out of health-snapshot events to any number
// of same-process subscribers.
type EventBus struct {
	mu sync.RWMutex
	subs []chan *CloudEvent
	logger *log.Logger
	bufferSize int
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe returns a channel that receives every health-snapshot event
// published after this call.
func (eb *EventBus) Subscribe() chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)
	eb.subs = append(eb.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	filtered := eb.subs[:0]
	for _, s := range eb.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.subs = filtered
	close(ch)
}

// Publish delivers event to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the health probe.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subs {
		select {
		case ch <- event:
		default:
			eb.logger.Printf("subscriber buffer full, dropping health snapshot %s", event.ID)
		}
	}
}

// EmitHealthSnapshot builds a CloudEvent from snap and publishes it to every
// subscriber.
func (eb *EventBus) EmitHealthSnapshot(snap HealthSnapshot) {
	eb.Publish(newHealthSnapshotEvent("healthprobe", snap))
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}
