//go:build !windows

package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpvisor/internal/logger"
)

func shDef(id, script string) Definition {
	return Definition{ID: id, Name: id, Command: "/bin/sh", Args: []string{"-c", script}, Enabled: true}
}

func newExecSupervisor(t *testing.T, mutate func(*Options)) *Supervisor {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	opts := Options{
		BackoffBase:    50 * time.Millisecond,
		GracePeriod:    2 * time.Second,
		HealthInterval: -1,
		KillWait:       2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func logLines(s *Supervisor, id string) []string {
	var out []string
	for _, e := range s.Logs(id, 0) {
		out = append(out, e.String())
	}
	return out
}

func TestExec_CapturesOutputAndStopsGracefully(t *testing.T) {
	s := newExecSupervisor(t, nil)
	st, err := s.Start(shDef("echo", `echo hello; echo oops >&2; exec sleep 30`))
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)
	require.NotZero(t, st.PID)
	assert.True(t, s.IsAlive("echo"))

	require.Eventually(t, func() bool { return len(s.Logs("echo", 0)) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"[stdout] hello", "[stderr] oops"}, logLines(s, "echo"))

	res, err := s.Stop("echo")
	require.NoError(t, err)
	assert.True(t, res.Graceful)
	assert.Equal(t, StateStopped, s.Status("echo").State)
	assert.False(t, s.IsAlive("echo"))
	assert.ErrorIs(t, syscall.Kill(st.PID, 0), syscall.ESRCH)
}

func TestExec_StopKillsWholeProcessGroup(t *testing.T) {
	s := newExecSupervisor(t, nil)
	st, err := s.Start(shDef("tree", `sleep 30 & echo child=$!; wait`))
	require.NoError(t, err)

	var child int
	require.Eventually(t, func() bool {
		for _, l := range s.Logs("tree", 0) {
			if strings.HasPrefix(l.Line, "child=") {
				_, _ = fmtSscan(strings.TrimPrefix(l.Line, "child="), &child)
				return child > 0
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	_, err = s.Stop("tree")
	require.NoError(t, err)
	assert.ErrorIs(t, syscall.Kill(st.PID, 0), syscall.ESRCH)
	// an orphaned child may linger as a zombie when nothing reaps it
	require.Eventually(t, func() bool {
		return syscall.Kill(child, 0) == syscall.ESRCH || isZombieLinux(child)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExec_UngracefulStop(t *testing.T) {
	s := newExecSupervisor(t, func(o *Options) { o.GracePeriod = 200 * time.Millisecond })
	_, err := s.Start(shDef("stubborn", `trap '' TERM; echo ready; while true; do sleep 0.05; done`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Logs("stubborn", 0)) > 0 }, 3*time.Second, 10*time.Millisecond)

	res, err := s.Stop("stubborn")
	require.NoError(t, err)
	assert.False(t, res.Graceful)
	assert.ErrorIs(t, res.Warning, ErrUngracefulTermination)
	assert.Equal(t, StateStopped, s.Status("stubborn").State)
}

func TestExec_CrashLoopEndsFailed(t *testing.T) {
	s := newExecSupervisor(t, nil)
	_, err := s.Start(shDef("crash", `echo boom >&2; exit 3`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Status("crash").State == StateFailed }, 5*time.Second, 10*time.Millisecond)
	st := s.Status("crash")
	assert.Equal(t, 2, st.RestartCount)
	assert.Equal(t, "process exited with code 3; max restart attempts (2) reached", st.LastError)
	assert.Equal(t, []string{"[stderr] boom", "[stderr] boom", "[stderr] boom"}, logLines(s, "crash"))
}

func TestExec_CleanExit(t *testing.T) {
	s := newExecSupervisor(t, nil)
	_, err := s.Start(shDef("once", `printf 'no newline'`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status("once").State == StateStopped }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"[stdout] no newline"}, logLines(s, "once"))
	assert.Zero(t, s.Status("once").RestartCount)
}

func TestExec_SpawnFailure(t *testing.T) {
	s := newExecSupervisor(t, nil)
	_, err := s.Start(Definition{ID: "nope", Command: "/definitely/not/here"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)
	assert.Equal(t, StateFailed, s.Status("nope").State)
}

func TestExec_EnvOverlay(t *testing.T) {
	s := newExecSupervisor(t, nil)
	d := shDef("env", `echo "token=$MCP_TOKEN"`)
	d.Env = map[string]string{"MCP_TOKEN": "abc"}
	_, err := s.Start(d)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status("env").State == StateStopped }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"[stdout] token=abc"}, logLines(s, "env"))
}

func TestExec_OutputFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := logger.Config{File: logger.FileConfig{Dir: dir}}
	s := newExecSupervisor(t, func(o *Options) { o.Output = cfg.ProcessWriters })
	_, err := s.Start(shDef("files", `echo out; echo err >&2`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status("files").State == StateStopped }, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		b, err := readFile(filepath.Join(dir, "files.stdout.log"))
		return err == nil && b == "out\n"
	}, 2*time.Second, 10*time.Millisecond)
	b, err := readFile(filepath.Join(dir, "files.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "err\n", b)
}

func TestExec_HealthCheckSeesKilledProcessViaExitPath(t *testing.T) {
	s := newExecSupervisor(t, func(o *Options) { o.BackoffBase = time.Hour })
	st, err := s.Start(shDef("victim", `exec sleep 30`))
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(st.PID, syscall.SIGKILL))
	s.CheckHealth()
	require.Eventually(t, func() bool { return s.Status("victim").State == StateRestarting }, 3*time.Second, 10*time.Millisecond)
	got := s.Status("victim")
	require.NotNil(t, got.LastExit)
	assert.Equal(t, "killed", got.LastExit.Signal)
	assert.Equal(t, "process terminated by signal: killed", got.LastError)
}
