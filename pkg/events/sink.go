// Package events publishes operational notifications to the events topic.
// Publishing is fire-and-forget: a broker outage degrades visibility, never
// the backup path.
package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Event kinds.
const (
	KindJobCompleted = "job.completed"
	KindJobFailed    = "job.failed"
	KindJobStuck     = "job.stuck"
	KindAlertRaised  = "alert.raised"
	KindAlertCleared = "alert.cleared"
)

// Event is the wire shape on the events topic.
type Event struct {
	Kind       string    `json:"kind"`
	DatabaseID string    `json:"database_id"`
	JobID      string    `json:"job_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink publishes events to a topic.
type Sink struct {
	publisher message.Publisher
	topic     string
}

// NewSink wraps a broker publisher for the events topic.
func NewSink(publisher message.Publisher, topic string) *Sink {
	return &Sink{publisher: publisher, topic: topic}
}

// Emit publishes one event. Failures are logged and swallowed.
func (s *Sink) Emit(kind, databaseID, jobID, detail string) {
	if s == nil || s.publisher == nil {
		return
	}

	event := Event{
		Kind:       kind,
		DatabaseID: databaseID,
		JobID:      jobID,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Warning: failed to marshal event %s: %v", kind, err)
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", kind)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		log.Printf("Warning: failed to publish event %s for %s: %v", kind, databaseID, err)
	}
}
