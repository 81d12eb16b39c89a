// Package eventbus implements the Event Bus component (§4.C): an in-process
// publish/subscribe fabric the Queue Service, Worker Pool, and SSE Bridge use
// to move session/job lifecycle events without coupling those components
// directly to each other.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps an Event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered event. A returned error is logged but
// never propagated back to the publisher: publish is fire-and-forget (§4.C).
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live registration on a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the publish/subscribe surface every consumer depends on. Two
// implementations exist: an in-process MemoryBus (default) and a NATS-backed
// bus selected when cfg.NatsURL is configured, letting a single pokecode
// process or a small fleet share one event fabric without code changes at
// the call sites.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
