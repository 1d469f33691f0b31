package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the id is running or starting.
	ErrAlreadyRunning = errors.New("server is already running")
	// ErrNotRunning is returned by Stop when no process is associated with the id.
	ErrNotRunning = errors.New("server is not running")
	// ErrSpawnFailure matches every *SpawnError.
	ErrSpawnFailure = errors.New("failed to spawn server process")
	// ErrCrashExhausted is recorded when a server keeps crashing past the restart budget.
	ErrCrashExhausted = errors.New("max restart attempts reached")
	// ErrUngracefulTermination is reported when a process had to be killed after the grace period.
	ErrUngracefulTermination = errors.New("process did not terminate gracefully, killed forcefully")
	// ErrHealthCheckFailed is recorded when a running process vanished outside the exit path.
	ErrHealthCheckFailed = errors.New("health check failed: process not responding")
	// ErrClosed is returned once the supervisor has been closed.
	ErrClosed = errors.New("supervisor is closed")
)

// SpawnError wraps the OS error returned while starting a server process.
type SpawnError struct {
	ID      string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.ID, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSpawnFailure) match any SpawnError.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailure }
