package supervisor

import (
	"time"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventStarted           EventType = "started"
	EventExited            EventType = "exited"
	EventCrashed           EventType = "crashed"
	EventRestarting        EventType = "restarting"
	EventRestartFailed     EventType = "restart-failed"
	EventFailed            EventType = "failed"
	EventStopped           EventType = "stopped"
	EventHealthCheckFailed EventType = "health-check-failed"
	EventLog               EventType = "log"
)

// Event is delivered to listeners after the state change it describes.
type Event struct {
	Type    EventType
	ID      string
	Time    time.Time
	State   State
	PID     int
	Exit    *ExitInfo     // exited, crashed, failed after a crash
	Attempt int           // restarting
	Delay   time.Duration // restarting
	Err     error
	Log     *LogEntry // log
}

// Listener receives events synchronously on the goroutine that caused them.
// It must not block and must not call back into Stop or Restart for the same id.
type Listener func(Event)
