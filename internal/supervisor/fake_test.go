package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHandle is a scripted process. It exits when Exit is called or, by default,
// as soon as it receives any signal.
type fakeHandle struct {
	pid    int
	cmd    Command
	exitCh chan ExitStatus
	alive  atomic.Bool
	once   sync.Once

	mu       sync.Mutex
	signals  []os.Signal
	ignoreTE bool // ignore SIGTERM
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	ignore := h.ignoreTE && sig == sigTerm
	h.mu.Unlock()
	if ignore {
		return nil
	}
	if sig == sigKill {
		h.Exit(ExitStatus{Code: -1, Signal: "killed"})
	} else {
		h.Exit(ExitStatus{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (h *fakeHandle) Alive() bool { return h.alive.Load() }

func (h *fakeHandle) Wait() ExitStatus { return <-h.exitCh }

// Exit makes Wait return st. Only the first call has an effect.
func (h *fakeHandle) Exit(st ExitStatus) {
	h.once.Do(func() {
		h.alive.Store(false)
		h.exitCh <- st
	})
}

func (h *fakeHandle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

// write emits output through the captured writers the way os/exec would.
func (h *fakeHandle) write(stream Stream, s string) {
	var w io.Writer = h.cmd.Stdout
	if stream == StreamStderr {
		w = h.cmd.Stderr
	}
	_, _ = io.WriteString(w, s)
}

type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	handles  []*fakeHandle
	fail     error
	ignoreTE bool
}

func (f *fakeSpawner) Spawn(c Command) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.nextPID++
	h := &fakeHandle{pid: 1000 + f.nextPID, cmd: c, exitCh: make(chan ExitStatus, 1), ignoreTE: f.ignoreTE}
	h.alive.Store(true)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeSpawner) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeSpawner) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

var errNoSuchFile = errors.New("exec: no such file or directory")

func testOptions(sp Spawner) Options {
	return Options{
		BackoffBase:    20 * time.Millisecond,
		GracePeriod:    100 * time.Millisecond,
		HealthInterval: -1,
		ExitGrace:      20 * time.Millisecond,
		KillWait:       200 * time.Millisecond,
		Spawner:        sp,
	}
}

func newFakeSupervisor(t *testing.T) (*Supervisor, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	s := New(testOptions(sp))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, sp
}

func def(id string) Definition {
	return Definition{ID: id, Name: id, Command: "mcp-" + id, Args: []string{"--stdio"}, Enabled: true}
}

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	if e.Type == EventLog {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
