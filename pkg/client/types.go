package client

import (
	"fmt"
	"time"
)

// AddRequest describes a new server definition; the id is derived from Name.
type AddRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// UpdateRequest changes the non-nil fields of a definition.
type UpdateRequest struct {
	Command *string            `json:"command,omitempty"`
	Args    *[]string          `json:"args,omitempty"`
	Env     *map[string]string `json:"env,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
}

// Server is a definition with its runtime status.
type Server struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
	Runtime Status            `json:"runtime"`
}

// Status is the runtime view of one server.
type Status struct {
	ID              string        `json:"id"`
	State           string        `json:"status"`
	PID             int           `json:"pid,omitempty"`
	Uptime          time.Duration `json:"uptime"`
	RestartCount    int           `json:"restartCount"`
	LastError       string        `json:"lastError,omitempty"`
	StartedAt       time.Time     `json:"startedAt,omitempty"`
	LastExit        *ExitInfo     `json:"lastExit,omitempty"`
	LastHealthCheck time.Time     `json:"lastHealthCheck,omitempty"`
	Usage           *Usage        `json:"usage,omitempty"`
}

type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// Usage is a CPU/memory sample, present when requested.
type Usage struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// StopResult reports a finished stop. Warning is set when the server had to be killed.
type StopResult struct {
	Status   Status `json:"status"`
	Graceful bool   `json:"graceful"`
	Warning  string `json:"warning,omitempty"`
}

type LogEntry struct {
	Time   time.Time `json:"time"`
	Stream string    `json:"stream"`
	Line   string    `json:"line"`
}

func (e LogEntry) String() string { return fmt.Sprintf("[%s] %s", e.Stream, e.Line) }

// ProbeResult is the outcome of a successful connection test.
type ProbeResult struct {
	ServerName      string        `json:"serverName"`
	ServerVersion   string        `json:"serverVersion"`
	ProtocolVersion string        `json:"protocolVersion"`
	Tools           []string      `json:"tools"`
	Duration        time.Duration `json:"duration"`
}

type Health struct {
	Status          string    `json:"status"`
	LastHealthCheck time.Time `json:"lastHealthCheck,omitempty"`
	Running         int       `json:"running"`
	Tracked         int       `json:"tracked"`
}

// APIError is the error part of a failed response.
type APIError struct {
	StatusCode  int    `json:"-"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Type, e.Message)
}
