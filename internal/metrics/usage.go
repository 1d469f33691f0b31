package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	usageCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of running MCP servers.",
		}, []string{"server"},
	)
	usageMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of running MCP servers.",
		}, []string{"server"},
	)
	usageThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "num_threads",
			Help:      "Number of threads of running MCP servers.",
		}, []string{"server"},
	)
	usageFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "num_fds",
			Help:      "Number of open file descriptors of running MCP servers (Unix only).",
		}, []string{"server"},
	)
)

// Usage is a point-in-time resource sample of one process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads CPU and memory usage of pid via gopsutil.
func Sample(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{
		PID:       int32(pid),
		MemoryRSS: mem.RSS,
		MemoryVMS: mem.VMS,
		MemoryMB:  float64(mem.RSS) / 1024 / 1024,
		Timestamp: time.Now(),
	}
	// CPU percent and thread count are best effort
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// UsageCollector periodically samples running servers into the usage gauges.
type UsageCollector struct {
	interval time.Duration
	pids     func() map[string]int
	log      *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewUsageCollector samples the id->pid map returned by pids every interval (default 15s).
func NewUsageCollector(interval time.Duration, pids func() map[string]int, log *slog.Logger) *UsageCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &UsageCollector{interval: interval, pids: pids, log: log, known: map[string]struct{}{}, stopCh: make(chan struct{})}
}

// Start begins periodic collection until ctx is done or Stop is called.
func (c *UsageCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx)
			}
		}
	}()
}

// Collect takes one sample of every running server and drops gauges of servers no longer running.
func (c *UsageCollector) Collect(ctx context.Context) {
	current := c.pids()
	for id, pid := range current {
		u, err := Sample(ctx, pid)
		if err != nil {
			c.log.Debug("usage sample failed", "server", id, "pid", pid, "error", err)
			continue
		}
		if regOK.Load() {
			usageCPU.WithLabelValues(id).Set(u.CPUPercent)
			usageMemory.WithLabelValues(id).Set(float64(u.MemoryRSS))
			usageThreads.WithLabelValues(id).Set(float64(u.NumThreads))
			if u.NumFDs > 0 {
				usageFDs.WithLabelValues(id).Set(float64(u.NumFDs))
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.known {
		if _, ok := current[id]; !ok {
			usageCPU.DeleteLabelValues(id)
			usageMemory.DeleteLabelValues(id)
			usageThreads.DeleteLabelValues(id)
			usageFDs.DeleteLabelValues(id)
			delete(c.known, id)
		}
	}
	for id := range current {
		c.known[id] = struct{}{}
	}
}

// Stop stops the collection goroutine and waits for it.
func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
