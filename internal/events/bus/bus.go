// Package bus provides the internal event bus the daemon publishes hook
// activity on. Subjects are NATS-style dotted names; the WebSocket gateway
// subscribes to hooks.events.> and fans matching events out to clients.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject prefixes used across the daemon.
const (
	// SubjectHookEvents is the prefix for hook pipeline events; the event
	// type is appended (hooks.events.session_start, ...).
	SubjectHookEvents = "hooks.events"

	// SubjectMCPHealth carries connection health transitions.
	SubjectMCPHealth = "mcp.health"
)

// HookSubject returns the subject for one hook event type.
func HookSubject(eventType string) string {
	return SubjectHookEvents + "." + eventType
}

// Event represents a message on the event bus
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // Component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
