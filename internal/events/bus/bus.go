// Package bus provides an event bus abstraction for the bridge's
// EventRouter fan-out: one producer (the session consumer loop) and any
// number of subscribers (in cmd/bridge, the optional websocket tap; the
// stdout writer is fed directly, not through the bus).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one unit published on the bus. Subject follows a dotted,
// NATS-style hierarchy (e.g. "session.<id>.message/delta", "session.<id>.result")
// so subscribers can use wildcard patterns.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new Event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts the transport used to fan events out to subscribers.
// The bridge defaults to MemoryEventBus (single process, no external
// dependency); NATSEventBus lets multiple bridge instances, or an
// out-of-process debug tap, share a subject space.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// Subject builders for the session/permission/tool event hierarchy.
func SessionSubject(sessionID string) string {
	return "session." + sessionID + ".>"
}

func SessionEventSubject(sessionID, eventType string) string {
	return "session." + sessionID + "." + eventType
}

func AllSessionsWildcard() string {
	return "session.*.>"
}
