package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/mcpvisor/internal/history"
	"github.com/loykin/mcpvisor/internal/metrics"
)

// Definition describes how to launch one MCP server. It is owned by the registry;
// the supervisor only reads it.
type Definition struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
}

// ExitInfo records how the last process of an id ended.
type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

func (e ExitInfo) describe() string {
	if e.Signal != "" {
		return "process terminated by signal: " + e.Signal
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Status is a point-in-time view of one id.
type Status struct {
	ID              string        `json:"id"`
	State           State         `json:"status"`
	PID             int           `json:"pid,omitempty"`
	Uptime          time.Duration `json:"uptime"`
	RestartCount    int           `json:"restartCount"`
	LastError       string        `json:"lastError,omitempty"`
	StartedAt       time.Time     `json:"startedAt,omitempty"`
	LastExit        *ExitInfo     `json:"lastExit,omitempty"`
	LastHealthCheck time.Time     `json:"lastHealthCheck,omitempty"`
}

// StopResult reports how a stop ended. Warning wraps ErrUngracefulTermination when SIGKILL was needed.
type StopResult struct {
	Graceful bool
	Warning  error
}

// managedProcess is the supervisor's record for one id.
//
// Lock order: opMu, then mu. opMu serializes Start/Stop/Restart/auto-restart for the id;
// mu guards the fields below and is never held while waiting on the OS.
type managedProcess struct {
	id   string
	opMu sync.Mutex
	logs *LogBuffer

	mu              sync.Mutex
	def             Definition
	state           State
	handle          Handle
	pid             int
	startedAt       time.Time
	restartCount    int
	lastError       string
	lastExit        *ExitInfo
	lastHealthCheck time.Time
	stopping        bool
	exited          chan struct{} // closed by the exit watcher of the current handle
	gen             uint64        // bumped on every spawn and every forced release of a handle
	restartTimer    *time.Timer
	restartToken    uint64
	backoff         *backoff.ExponentialBackOff
}

func newManagedProcess(id string, logCap int, base time.Duration) *managedProcess {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         base << 10,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &managedProcess{id: id, logs: NewLogBuffer(logCap), backoff: b}
}

// setStateLocked updates state and records transition metrics. Caller holds mu.
func (p *managedProcess) setStateLocked(to State) {
	from := p.state
	p.state = to
	if from == to {
		return
	}
	metrics.RecordStateTransition(p.id, from.String(), to.String())
	metrics.SetCurrentState(p.id, from.String(), false)
	metrics.SetCurrentState(p.id, to.String(), true)
}

// cancelRestartLocked invalidates a pending auto-restart. Caller holds mu.
func (p *managedProcess) cancelRestartLocked() {
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	p.restartToken++
}

func (p *managedProcess) statusLocked(now time.Time) Status {
	st := Status{
		ID:              p.id,
		State:           p.state,
		PID:             p.pid,
		RestartCount:    p.restartCount,
		LastError:       p.lastError,
		LastHealthCheck: p.lastHealthCheck,
	}
	if p.handle != nil {
		st.StartedAt = p.startedAt
		st.Uptime = now.Sub(p.startedAt)
	}
	if p.lastExit != nil {
		le := *p.lastExit
		st.LastExit = &le
	}
	return st
}

func (p *managedProcess) recordLocked() history.Record {
	rec := history.Record{
		ServerID:     p.id,
		PID:          p.pid,
		State:        p.state.String(),
		RestartCount: p.restartCount,
		Error:        p.lastError,
	}
	if p.handle != nil {
		rec.StartedAt = p.startedAt
	}
	if p.lastExit != nil {
		rec.ExitCode = p.lastExit.Code
		rec.Signal = p.lastExit.Signal
	}
	return rec
}
