package failover

import (
	"context"
	"log"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/backend/internal/record"
)

// PubSubCatchupSink additionally fans catch-up-replayed records out to a
// Pub/Sub topic, so a downstream ETL can subscribe without this codebase
// taking any dependency on that ETL's internals. Wiring it in is optional;
// on a nil sink or a nil topic, PublishAsync and Stop are no-ops.
type PubSubCatchupSink struct {
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubCatchupSink wraps an already-resolved topic handle.
func NewPubSubCatchupSink(topic *pubsub.Topic) *PubSubCatchupSink {
	return &PubSubCatchupSink{
		topic:  topic,
		logger: log.New(log.Writer(), "[FAILOVER-PUBSUB] ", log.LstdFlags),
	}
}

// PublishAsync publishes r's wire form to the configured topic without
// blocking the catch-up reader on Pub/Sub latency; publish errors are
// logged, never surfaced to the caller, since this sink is best-effort
// enrichment of an already-successful hand-off.
func (s *PubSubCatchupSink) PublishAsync(ctx context.Context, r *record.TrackingRecord) {
	if s == nil || s.topic == nil {
		return
	}
	data, err := r.Marshal()
	if err != nil {
		s.logger.Printf("marshal failed for record %s: %v", r.RecordID, err)
		return
	}

	result := s.topic.Publish(ctx, &pubsub.Message{Data: data})
	go func() {
		if _, err := result.Get(ctx); err != nil {
			s.logger.Printf("publish failed for record %s: %v", r.RecordID, err)
		}
	}()
}

// Stop flushes and releases the underlying topic's send resources.
func (s *PubSubCatchupSink) Stop() {
	if s == nil || s.topic == nil {
		return
	}
	s.topic.Stop()
}
