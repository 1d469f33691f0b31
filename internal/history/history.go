package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventExit    EventType = "exit"
	EventCrash   EventType = "crash"
	EventRestart EventType = "restart"
	EventFailed  EventType = "failed"
)

// Record is the snapshot of an MCP server carried by an event.
type Record struct {
	ServerID     string    `json:"server_id"`
	PID          int       `json:"pid"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count"`
	ExitCode     int       `json:"exit_code"`
	Signal       string    `json:"signal,omitempty"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// NewEvent stamps a new event with a random id and the current UTC time.
func NewEvent(t EventType, rec Record) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Record: rec}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nullable returns nil for an empty string so SQL sinks store NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
