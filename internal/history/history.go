package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventReady   EventType = "ready"
	EventCrash   EventType = "crash"
	EventRestart EventType = "restart"
	EventStop    EventType = "stop"
	EventExit    EventType = "exit"
)

// Event represents a lifecycle event to be recorded for later inspection.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Process    string    `json:"process"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
