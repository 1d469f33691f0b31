package supervisor

import (
	"sync"
	"time"
)

// DefaultLogCapacity is the number of lines retained per server.
const DefaultLogCapacity = 1000

// Stream identifies the origin of a captured line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogEntry is a single captured output line.
type LogEntry struct {
	Time   time.Time `json:"time"`
	Stream Stream    `json:"stream"`
	Line   string    `json:"line"`
}

// String renders the entry with its stream tag, e.g. "[stderr] boom".
func (e LogEntry) String() string { return "[" + string(e.Stream) + "] " + e.Line }

// LogBuffer is a fixed-capacity FIFO of log entries. When full, the oldest entry is dropped.
// It is safe for concurrent use.
type LogBuffer struct {
	mu    sync.RWMutex
	buf   []LogEntry
	start int
	count int
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{buf: make([]LogEntry, capacity)}
}

// Push appends an entry, evicting the oldest one when the buffer is full.
func (b *LogBuffer) Push(e LogEntry) {
	b.mu.Lock()
	capacity := len(b.buf)
	if b.count < capacity {
		b.buf[(b.start+b.count)%capacity] = e
		b.count++
	} else {
		b.buf[b.start] = e
		b.start = (b.start + 1) % capacity
	}
	b.mu.Unlock()
}

// Tail returns the most recent n entries in chronological order.
// n <= 0 returns everything buffered.
func (b *LogBuffer) Tail(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]LogEntry, n)
	capacity := len(b.buf)
	first := b.start + b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.buf[(first+i)%capacity]
	}
	return out
}

func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *LogBuffer) Cap() int { return len(b.buf) }
