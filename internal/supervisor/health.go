package supervisor

import (
	"time"

	"github.com/loykin/mcpvisor/internal/history"
	"github.com/loykin/mcpvisor/internal/metrics"
)

func (s *Supervisor) healthLoop(interval time.Duration) {
	defer close(s.healthDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopHealth:
			return
		case <-ticker.C:
			s.CheckHealth()
		}
	}
}

// CheckHealth runs one liveness pass over every running id. A process found gone outside
// the exit path moves its id to failed and its process group is killed best-effort.
func (s *Supervisor) CheckHealth() {
	for _, p := range s.snapshot() {
		s.probe(p)
	}
	now := time.Now()
	s.lastHealth.Store(now.UnixNano())
	metrics.SetLastHealthPass(float64(now.Unix()))
}

func (s *Supervisor) probe(p *managedProcess) {
	p.mu.Lock()
	if p.state != StateRunning || p.handle == nil || p.stopping {
		p.mu.Unlock()
		return
	}
	h, exited, gen := p.handle, p.exited, p.gen
	p.mu.Unlock()

	if h.Alive() {
		p.mu.Lock()
		if p.gen == gen {
			p.lastHealthCheck = time.Now()
		}
		p.mu.Unlock()
		return
	}

	// give the exit watcher a chance to claim a regular exit
	select {
	case <-exited:
		return
	case <-time.After(s.opts.ExitGrace):
	}

	p.mu.Lock()
	if p.gen != gen || p.handle != h || p.state != StateRunning || p.stopping {
		p.mu.Unlock()
		return
	}
	pid := p.pid
	p.handle = nil
	p.pid = 0
	p.gen++
	p.lastError = ErrHealthCheckFailed.Error()
	p.setStateLocked(StateFailed)
	rec := p.recordLocked()
	rec.PID = pid
	p.mu.Unlock()

	_ = h.Signal(sigKill)
	metrics.IncHealthFailure(p.id)
	s.opts.History.Record(history.NewEvent(history.EventFailed, rec))
	s.log.Error("health check failed", "server", p.id, "pid", pid)
	s.emit(Event{Type: EventHealthCheckFailed, ID: p.id, Time: time.Now(), State: StateFailed, PID: pid, Err: ErrHealthCheckFailed})
}
