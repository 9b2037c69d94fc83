package supervisor

import (
	"sync"
	"time"
)

// EventKind identifies a lifecycle notification published on the Bus.
type EventKind int

const (
	EventReady EventKind = iota
	EventCrashed
	EventLogLine
	EventHealthChanged
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventCrashed:
		return "crashed"
	case EventLogLine:
		return "log_line"
	case EventHealthChanged:
		return "health_changed"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle notification.
type Event struct {
	Kind    EventKind
	Process string
	At      time.Time
	// Line carries the output line for EventLogLine.
	Line string
	// ExitCode is set for EventCrashed.
	ExitCode int
	// Healthy is set for EventHealthChanged.
	Healthy bool
}

// Bus fans out events to subscribers. Slow subscribers drop events rather
// than block publishers.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

func NewBus() *Bus { return &Bus{} }

// Subscribe registers a new subscriber channel. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 128)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				break
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	subs := append([]chan Event(nil), b.subs...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}
