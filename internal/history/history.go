package history

import (
	"context"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventInstall      EventType = "install"
	EventUpdate       EventType = "update"
	EventSwitch       EventType = "switch"
	EventStart        EventType = "start"
	EventStop         EventType = "stop"
	EventCrash        EventType = "crash"
	EventConfigReload EventType = "config_reload"
)

// Event is one service lifecycle occurrence to be exported to external
// systems. Detail carries the error text for failures and crashes.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	Version    string    `json:"version,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use. Send errors are logged
// by callers and never propagate into lifecycle operations.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// MemorySink retains events in memory; used by tests and as a default.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
