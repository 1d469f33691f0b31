//go:build !windows

package supervisor

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
)

// ExecSpawner starts processes with os/exec, each in its own process group so that
// signals reach children spawned by the server too (npx, uvx and friends).
type ExecSpawner struct {
	// WaitDelay bounds how long Wait keeps draining stdout/stderr after the process exited.
	WaitDelay time.Duration
}

func (s ExecSpawner) Spawn(c Command) (Handle, error) {
	// #nosec G204 -- the command comes from the operator's own server registry
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
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

func (h *execHandle) Signal(sig os.Signal) error {
	if h.reaped.Load() {
		return os.ErrProcessDone
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return h.cmd.Process.Signal(sig)
	}
	if err := syscall.Kill(-h.pid, s); err == nil {
		return nil
	}
	// group may be gone while the leader lingers
	return syscall.Kill(h.pid, s)
}

func (h *execHandle) Alive() bool {
	if h.reaped.Load() {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(h.pid) {
		return false
	}
	return syscall.Kill(h.pid, 0) == nil
}

func (h *execHandle) Wait() ExitStatus {
	err := h.cmd.Wait()
	h.reaped.Store(true)
	st := ExitStatus{Code: -1}
	if ps := h.cmd.ProcessState; ps != nil {
		st.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal().String()
		}
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) && !errors.Is(err, exec.ErrWaitDelay) {
		st.Err = err
	}
	return st
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

var (
	sigTerm os.Signal = syscall.SIGTERM
	sigKill os.Signal = syscall.SIGKILL
)
