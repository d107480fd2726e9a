// Package bus provides the message transport under the job queue binding:
// a NATS-backed implementation for multi-process deployments and an
// in-memory implementation with the same delivery semantics for
// single-binary operation. Delivery is ordered per subscription; queue
// subscriptions load-balance within a group.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Data carries the payload verbatim so
// the transport never re-encodes what the producer wrote.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data []byte) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Handlers on the same subscription are
// invoked serially, in publish order.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport the queue binding runs on.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers every matching event to the handler.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each matching event to exactly one member of
	// the named queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close shuts the transport down.
	Close()

	// IsConnected reports whether the transport can currently deliver.
	IsConnected() bool
}
