package supervisor

import (
	"io"
	"os"
)

// Command is everything needed to launch one server process.
type Command struct {
	ID     string
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int    `json:"code"`             // -1 when terminated by a signal
	Signal string `json:"signal,omitempty"` // name of the terminating signal, if any
	Err    error  `json:"-"`                // wait failure unrelated to the exit code
}

// Clean reports a zero exit code without a terminating signal.
func (e ExitStatus) Clean() bool { return e.Code == 0 && e.Signal == "" }

// Handle is an exclusively owned OS process.
type Handle interface {
	PID() int
	// Signal delivers sig to the process group of the process.
	Signal(sig os.Signal) error
	// Alive performs a zero-signal liveness probe.
	Alive() bool
	// Wait blocks until the process exits. It is called exactly once per handle.
	Wait() ExitStatus
}

// Spawner starts OS processes. The default is ExecSpawner; tests inject fakes.
type Spawner interface {
	Spawn(cmd Command) (Handle, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(cmd Command) (Handle, error)

func (f SpawnFunc) Spawn(cmd Command) (Handle, error) { return f(cmd) }
