package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 5 * time.Second
)

// Recorder delivers events to sinks from a single background goroutine so that callers
// never block on a slow database. Events are delivered in submission order; when the
// queue is full new events are dropped and logged.
type Recorder struct {
	sinks  []Sink
	log    *slog.Logger
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder over sinks. A nil logger discards diagnostics.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Recorder{
		sinks: append([]Sink(nil), sinks...),
		log:   log,
		queue: make(chan Event, defaultQueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e. It is a no-op on a nil or closed recorder.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("history queue full, dropping event", "type", e.Type, "server", e.Record.ServerID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "type", e.Type, "server", e.Record.ServerID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes sinks implementing io.Closer.
// It returns early with ctx's error if draining takes too long.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}
