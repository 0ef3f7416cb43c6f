// Package bus carries evaluation and indexing lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type, usually the topic it was published on.
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// CorrelationID groups the events of one run.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(topic, source, correlationID string, payload any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          topic,
		Source:        source,
		Timestamp:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Topics for different event types.
const (
	// Evaluation harness topics. The correlation ID is the run ID.
	TopicEvalRunStarted     = "eval.run.started"
	TopicEvalResultRecorded = "eval.result.recorded"
	TopicEvalRunCompleted   = "eval.run.completed"

	// Index topics.
	TopicIndexSynced = "index.synced"
)

// Topics lists every topic the application publishes.
var Topics = []string{
	TopicEvalRunStarted,
	TopicEvalResultRecorded,
	TopicEvalRunCompleted,
	TopicIndexSynced,
}
