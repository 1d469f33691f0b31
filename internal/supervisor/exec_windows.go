//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// ExecSpawner starts processes with os/exec. On Windows there are no process groups
// and termination is always a kill.
type ExecSpawner struct {
	WaitDelay time.Duration
}

func (s ExecSpawner) Spawn(c Command) (Handle, error) {
	// #nosec G204
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd, pid: cmd.Process.Pid}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	pid    int
	reaped atomic.Bool
}

func (h *execHandle) PID() int { return h.pid }

func (h *execHandle) Signal(os.Signal) error {
	if h.reaped.Load() {
		return os.ErrProcessDone
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Alive() bool {
	if h.reaped.Load() {
		return false
	}
	p, err := os.FindProcess(h.pid)
	return err == nil && p != nil
}

func (h *execHandle) Wait() ExitStatus {
	err := h.cmd.Wait()
	h.reaped.Store(true)
	st := ExitStatus{Code: -1}
	if ps := h.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) && !errors.Is(err, exec.ErrWaitDelay) {
		st.Err = err
	}
	return st
}

var (
	sigTerm os.Signal = os.Interrupt
	sigKill os.Signal = os.Kill
)
