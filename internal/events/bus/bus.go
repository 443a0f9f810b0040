// Package bus provides the domain event bus used to wire the gateway's
// components together. Subjects use NATS-style dotted names so the in-memory
// implementation and the NATS implementation are interchangeable.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SessionID returns the session_id data field, if present.
func (e *Event) SessionID() string {
	if e.Data == nil {
		return ""
	}
	if id, ok := e.Data["session_id"].(string); ok {
		return id
	}
	return ""
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the interface shared by the in-memory and NATS implementations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns support NATS wildcards: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout).
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
