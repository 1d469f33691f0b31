package supervisor

import (
	"io"
	"log/slog"
	"time"

	"github.com/loykin/mcpvisor/internal/env"
	"github.com/loykin/mcpvisor/internal/history"
)

// Policy defaults.
const (
	DefaultMaxRestarts    = 2
	DefaultBackoffBase    = 2 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultHealthInterval = 10 * time.Second
	DefaultExitGrace      = 100 * time.Millisecond
	DefaultKillWait       = 2 * time.Second
)

// OutputFunc returns optional writers receiving a raw copy of a server's stdout and stderr.
// Either writer may be nil.
type OutputFunc func(id string) (io.WriteCloser, io.WriteCloser, error)

// Options tune a Supervisor. Zero values select the defaults above.
type Options struct {
	// MaxRestarts is the automatic restart budget per manual start. Negative disables auto-restart.
	MaxRestarts int
	// BackoffBase is the first restart delay; each further attempt doubles it.
	BackoffBase time.Duration
	// GracePeriod is how long Stop waits after SIGTERM before sending SIGKILL.
	GracePeriod time.Duration
	// HealthInterval is the liveness probe period. Negative disables the health loop.
	HealthInterval time.Duration
	// ExitGrace is how long a failed probe waits for the exit path to claim the exit.
	ExitGrace time.Duration
	// KillWait bounds the wait for the process to be reaped after SIGKILL.
	KillWait time.Duration
	// LogCapacity is the number of log lines kept per server.
	LogCapacity int

	Spawner Spawner
	Env     *env.Env
	Logger  *slog.Logger
	Output  OutputFunc
	History *history.Recorder
}

func (o Options) withDefaults() Options {
	switch {
	case o.MaxRestarts == 0:
		o.MaxRestarts = DefaultMaxRestarts
	case o.MaxRestarts < 0:
		o.MaxRestarts = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.HealthInterval == 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.ExitGrace <= 0 {
		o.ExitGrace = DefaultExitGrace
	}
	if o.KillWait <= 0 {
		o.KillWait = DefaultKillWait
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = DefaultLogCapacity
	}
	if o.Spawner == nil {
		o.Spawner = ExecSpawner{}
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
