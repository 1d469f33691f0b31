package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/mcpvisor/internal/history"
	"github.com/loykin/mcpvisor/internal/metrics"
)

// Supervisor owns every MCP server process spawned on this host: it starts and stops them,
// captures their output, restarts crashed servers with exponential backoff and probes
// liveness periodically. State lives in memory only.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	procs map[string]*managedProcess

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextLID   uint64

	lastHealth atomic.Int64 // unix nanos of the last completed health pass
	closed     atomic.Bool
	stopHealth chan struct{}
	healthDone chan struct{}
	closeOnce  sync.Once
}

// New creates a supervisor and starts its health loop.
func New(opts Options) *Supervisor {
	o := opts.withDefaults()
	s := &Supervisor{
		opts:       o,
		log:        o.Logger.With("component", "supervisor"),
		procs:      make(map[string]*managedProcess),
		listeners:  make(map[uint64]Listener),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	if o.HealthInterval > 0 {
		go s.healthLoop(o.HealthInterval)
	} else {
		close(s.healthDone)
	}
	return s
}

func (s *Supervisor) get(id string) *managedProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.procs[id]
}

func (s *Supervisor) getOrCreate(id string) *managedProcess {
	if p := s.get(id); p != nil {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok {
		return p
	}
	p := newManagedProcess(id, s.opts.LogCapacity, s.opts.BackoffBase)
	s.procs[id] = p
	return p
}

func (s *Supervisor) snapshot() []*managedProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*managedProcess, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Start spawns the server described by def. It fails with ErrAlreadyRunning when a process
// is running or starting for def.ID and returns a *SpawnError when the OS refuses the spawn.
// A pending automatic restart is cancelled and the restart budget is reset.
func (s *Supervisor) Start(def Definition) (Status, error) {
	if s.closed.Load() {
		return Status{ID: def.ID}, ErrClosed
	}
	if def.ID == "" || def.Command == "" {
		return Status{ID: def.ID}, errors.New("definition requires id and command")
	}
	p := s.getOrCreate(def.ID)
	var evs []Event
	p.opMu.Lock()
	err := s.startLocked(p, def, &evs)
	p.opMu.Unlock()
	s.emitAll(evs)
	return s.Status(def.ID), err
}

// startLocked performs a manual start. Caller holds p.opMu.
func (s *Supervisor) startLocked(p *managedProcess, def Definition, evs *[]Event) error {
	p.mu.Lock()
	if p.state == StateRunning || p.state == StateStarting {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.cancelRestartLocked()
	p.restartCount = 0
	p.lastError = ""
	p.backoff.Reset()
	p.def = def
	p.mu.Unlock()
	return s.spawn(p, false, evs)
}

// spawn launches the current definition of p. Caller holds p.opMu.
func (s *Supervisor) spawn(p *managedProcess, auto bool, evs *[]Event) error {
	p.mu.Lock()
	def := p.def
	p.setStateLocked(StateStarting)
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	outTee, errTee := s.outputs(p.id)
	emit := func(stream Stream, line string) { s.appendLog(p, stream, line) }
	stdout := newLineWriter(StreamStdout, emit, outTee)
	stderr := newLineWriter(StreamStderr, emit, errTee)

	h, err := s.opts.Spawner.Spawn(Command{
		ID:     p.id,
		Path:   def.Command,
		Args:   append([]string(nil), def.Args...),
		Env:    s.opts.Env.Merge(def.Env),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		serr := &SpawnError{ID: p.id, Command: def.Command, Err: err}
		p.mu.Lock()
		p.setStateLocked(StateFailed)
		p.lastError = serr.Error()
		rec := p.recordLocked()
		p.mu.Unlock()

		metrics.IncSpawnFailure(p.id)
		s.opts.History.Record(history.NewEvent(history.EventFailed, rec))
		typ := EventFailed
		if auto {
			typ = EventRestartFailed
		}
		*evs = append(*evs, Event{Type: typ, ID: p.id, Time: time.Now(), State: StateFailed, Err: serr})
		s.log.Error("spawn failed", "server", p.id, "command", def.Command, "auto", auto, "error", err)
		return serr
	}

	now := time.Now()
	exited := make(chan struct{})
	p.mu.Lock()
	p.handle = h
	p.pid = h.PID()
	p.startedAt = now
	p.stopping = false
	p.exited = exited
	p.setStateLocked(StateRunning)
	rec := p.recordLocked()
	p.mu.Unlock()

	go s.watch(p, h, gen, exited, stdout, stderr)

	metrics.IncStart(p.id)
	s.opts.History.Record(history.NewEvent(history.EventStart, rec))
	*evs = append(*evs, Event{Type: EventStarted, ID: p.id, Time: now, State: StateRunning, PID: rec.PID})
	s.log.Info("server started", "server", p.id, "pid", rec.PID, "auto", auto)
	return nil
}

func (s *Supervisor) outputs(id string) (io.Writer, io.Writer) {
	if s.opts.Output == nil {
		return nil, nil
	}
	o, e, err := s.opts.Output(id)
	if err != nil {
		s.log.Warn("server output files unavailable", "server", id, "error", err)
		return nil, nil
	}
	var ow, ew io.Writer
	if o != nil {
		ow = o
	}
	if e != nil {
		ew = e
	}
	return ow, ew
}

func (s *Supervisor) appendLog(p *managedProcess, stream Stream, line string) {
	e := LogEntry{Time: time.Now(), Stream: stream, Line: line}
	p.logs.Push(e)
	s.emit(Event{Type: EventLog, ID: p.id, Time: e.Time, Log: &e})
}

// watch waits for h to exit and applies the exit policy unless the handle was already
// released by Stop or the health check.
func (s *Supervisor) watch(p *managedProcess, h Handle, gen uint64, exited chan struct{}, stdout, stderr *lineWriter) {
	st := h.Wait()
	_ = stdout.Close()
	_ = stderr.Close()
	if st.Err != nil {
		s.log.Warn("wait failed", "server", p.id, "pid", h.PID(), "error", st.Err)
	}

	now := time.Now()
	info := &ExitInfo{Code: st.Code, Signal: st.Signal, At: now}
	var evs []Event

	p.mu.Lock()
	if p.gen != gen || p.handle != h {
		p.mu.Unlock()
		close(exited)
		return
	}
	pid := p.pid
	p.handle = nil
	p.pid = 0
	p.lastExit = info
	if p.stopping {
		// Stop owns the final transition
		p.mu.Unlock()
		close(exited)
		return
	}

	var histType history.EventType
	switch {
	case st.Clean():
		p.setStateLocked(StateStopped)
		histType = history.EventExit
		evs = append(evs, Event{Type: EventExited, ID: p.id, Time: now, State: StateStopped, PID: pid, Exit: info})
	case p.restartCount < s.opts.MaxRestarts:
		p.restartCount++
		attempt := p.restartCount
		delay := p.backoff.NextBackOff()
		p.lastError = info.describe()
		p.setStateLocked(StateRestarting)
		p.restartToken++
		tok := p.restartToken
		p.restartTimer = time.AfterFunc(delay, func() { s.autoRestart(p, tok) })
		histType = history.EventCrash
		crash := errors.New(p.lastError)
		evs = append(evs,
			Event{Type: EventCrashed, ID: p.id, Time: now, State: StateRestarting, PID: pid, Exit: info, Err: crash},
			Event{Type: EventRestarting, ID: p.id, Time: now, State: StateRestarting, Attempt: attempt, Delay: delay})
		s.log.Warn("server crashed, restart scheduled", "server", p.id, "pid", pid, "code", st.Code, "signal", st.Signal, "attempt", attempt, "delay", delay)
	default:
		p.lastError = fmt.Sprintf("%s; max restart attempts (%d) reached", info.describe(), s.opts.MaxRestarts)
		p.setStateLocked(StateFailed)
		histType = history.EventFailed
		evs = append(evs, Event{Type: EventFailed, ID: p.id, Time: now, State: StateFailed, PID: pid, Exit: info,
			Err: fmt.Errorf("%w: %s", ErrCrashExhausted, info.describe())})
		s.log.Error("server failed, restart budget exhausted", "server", p.id, "pid", pid, "code", st.Code, "signal", st.Signal)
	}
	rec := p.recordLocked()
	rec.PID = pid
	p.mu.Unlock()
	close(exited)

	if !st.Clean() {
		metrics.IncCrash(p.id)
	} else {
		s.log.Info("server exited", "server", p.id, "pid", pid)
	}
	s.opts.History.Record(history.NewEvent(histType, rec))
	s.emitAll(evs)
}

// autoRestart fires from a restart timer. A token mismatch means the restart was cancelled.
func (s *Supervisor) autoRestart(p *managedProcess, tok uint64) {
	var evs []Event
	p.opMu.Lock()
	p.mu.Lock()
	if s.closed.Load() || p.state != StateRestarting || p.restartToken != tok {
		p.mu.Unlock()
		p.opMu.Unlock()
		return
	}
	p.restartTimer = nil
	rec := p.recordLocked()
	p.mu.Unlock()

	metrics.IncRestart(p.id)
	s.opts.History.Record(history.NewEvent(history.EventRestart, rec))
	_ = s.spawn(p, true, &evs)
	p.opMu.Unlock()
	s.emitAll(evs)
}

// Stop terminates the process of id: SIGTERM to its process group, then SIGKILL once the
// grace period elapsed. A pending automatic restart is cancelled. It returns ErrNotRunning,
// without side effects, when neither a process nor a pending restart exists.
func (s *Supervisor) Stop(id string) (StopResult, error) {
	p := s.get(id)
	if p == nil {
		return StopResult{}, ErrNotRunning
	}
	var evs []Event
	p.opMu.Lock()
	res, err := s.stopLocked(p, &evs)
	p.opMu.Unlock()
	s.emitAll(evs)
	return res, err
}

// stopLocked is Stop with p.opMu held.
func (s *Supervisor) stopLocked(p *managedProcess, evs *[]Event) (StopResult, error) {
	p.mu.Lock()
	if p.handle == nil {
		if p.state != StateRestarting {
			p.mu.Unlock()
			return StopResult{}, ErrNotRunning
		}
		p.cancelRestartLocked()
		p.restartCount = 0
		p.backoff.Reset()
		p.setStateLocked(StateStopped)
		rec := p.recordLocked()
		p.mu.Unlock()

		metrics.IncStop(p.id, true)
		s.opts.History.Record(history.NewEvent(history.EventStop, rec))
		*evs = append(*evs, Event{Type: EventStopped, ID: p.id, Time: time.Now(), State: StateStopped})
		s.log.Info("pending restart cancelled", "server", p.id)
		return StopResult{Graceful: true}, nil
	}
	h := p.handle
	pid := p.pid
	exited := p.exited
	p.stopping = true
	p.cancelRestartLocked()
	p.mu.Unlock()

	graceful := true
	if err := h.Signal(sigTerm); err != nil {
		s.log.Debug("SIGTERM failed", "server", p.id, "pid", pid, "error", err)
	}
	select {
	case <-exited:
	case <-time.After(s.opts.GracePeriod):
		graceful = false
		s.log.Warn("grace period elapsed, killing", "server", p.id, "pid", pid, "grace", s.opts.GracePeriod)
		_ = h.Signal(sigKill)
		select {
		case <-exited:
		case <-time.After(s.opts.KillWait):
			s.log.Error("process not reaped after SIGKILL", "server", p.id, "pid", pid)
		}
	}

	p.mu.Lock()
	if p.handle == h {
		p.handle = nil
		p.gen++
	}
	p.pid = 0
	p.stopping = false
	p.restartCount = 0
	p.backoff.Reset()
	p.setStateLocked(StateStopped)
	rec := p.recordLocked()
	rec.PID = pid
	p.mu.Unlock()

	metrics.IncStop(p.id, graceful)
	s.opts.History.Record(history.NewEvent(history.EventStop, rec))
	*evs = append(*evs, Event{Type: EventStopped, ID: p.id, Time: time.Now(), State: StateStopped, PID: pid})
	s.log.Info("server stopped", "server", p.id, "pid", pid, "graceful", graceful)

	res := StopResult{Graceful: graceful}
	if !graceful {
		res.Warning = fmt.Errorf("%s: %w", p.id, ErrUngracefulTermination)
	}
	return res, nil
}

// Restart stops the active process of def.ID, if any, and starts def with a fresh restart budget.
func (s *Supervisor) Restart(def Definition) (Status, error) {
	if s.closed.Load() {
		return Status{ID: def.ID}, ErrClosed
	}
	if def.ID == "" || def.Command == "" {
		return Status{ID: def.ID}, errors.New("definition requires id and command")
	}
	p := s.getOrCreate(def.ID)
	var evs []Event
	p.opMu.Lock()
	_, err := s.stopLocked(p, &evs)
	if err == nil || errors.Is(err, ErrNotRunning) {
		err = s.startLocked(p, def, &evs)
	}
	p.opMu.Unlock()
	s.emitAll(evs)
	return s.Status(def.ID), err
}

// Status returns the current view of id; unknown ids report stopped.
func (s *Supervisor) Status(id string) Status {
	p := s.get(id)
	if p == nil {
		return Status{ID: id, State: StateStopped}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked(time.Now())
}

// List returns the status of every id ever started, sorted by id.
func (s *Supervisor) List() []Status {
	now := time.Now()
	procs := s.snapshot()
	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		p.mu.Lock()
		out = append(out, p.statusLocked(now))
		p.mu.Unlock()
	}
	return out
}

// Logs returns up to limit of the most recent log entries of id in chronological order.
// A limit <= 0 returns everything retained.
func (s *Supervisor) Logs(id string, limit int) []LogEntry {
	p := s.get(id)
	if p == nil {
		return []LogEntry{}
	}
	return p.logs.Tail(limit)
}

// IsAlive performs a zero-signal probe against the tracked process of id.
func (s *Supervisor) IsAlive(id string) bool {
	p := s.get(id)
	if p == nil {
		return false
	}
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	return h != nil && h.Alive()
}

// PIDs maps every id currently holding a process to its pid.
func (s *Supervisor) PIDs() map[string]int {
	out := map[string]int{}
	for _, p := range s.snapshot() {
		p.mu.Lock()
		if p.handle != nil {
			out[p.id] = p.pid
		}
		p.mu.Unlock()
	}
	return out
}

// StopAll stops every running, starting or restarting id concurrently. Individual failures
// are logged, not returned. It returns early when ctx is done.
func (s *Supervisor) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.snapshot() {
		p.mu.Lock()
		active := p.state.Active()
		p.mu.Unlock()
		if !active {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := s.Stop(id)
			switch {
			case errors.Is(err, ErrNotRunning):
			case err != nil:
				s.log.Error("stop failed", "server", id, "error", err)
			case res.Warning != nil:
				s.log.Warn("stop was not graceful", "server", id, "warning", res.Warning)
			}
		}(p.id)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop all interrupted", "error", ctx.Err())
	}
}

// Subscribe registers l for every future event. The returned function unsubscribes.
func (s *Supervisor) Subscribe(l Listener) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Supervisor) emit(e Event) {
	s.lmu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.RUnlock()
	for _, l := range ls {
		l(e)
	}
}

func (s *Supervisor) emitAll(evs []Event) {
	for _, e := range evs {
		s.emit(e)
	}
}

// LastHealthCheck is the time the last health pass completed; zero before the first pass.
func (s *Supervisor) LastHealthCheck() time.Time {
	n := s.lastHealth.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Close stops the health loop, cancels pending restarts and stops every process.
// Further Start and Restart calls fail with ErrClosed.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopHealth)
	})
	<-s.healthDone
	s.StopAll(ctx)
	return ctx.Err()
}
