package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "mcpvisor"
	subsystem = "server"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful MCP server spawns, manual and automatic.",
		}, []string{"server"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of explicit stops, by whether SIGKILL was needed.",
		}, []string{"server", "graceful"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auto_restarts_total",
			Help:      "Number of scheduled automatic restarts.",
		}, []string{"server"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crashes_total",
			Help:      "Number of abnormal exits (non-zero code or unexpected signal).",
		}, []string{"server"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "health_check_failures_total",
			Help:      "Number of liveness probes that found a running server gone.",
		}, []string{"server"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts.",
		}, []string{"server"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different server states.",
		}, []string{"server", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current state of MCP servers (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	lastHealthPass = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_health_pass_timestamp_seconds",
			Help:      "Unix time of the last completed health check pass.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serverStarts, serverStops, serverRestarts, serverCrashes, healthFailures, spawnFailures,
		stateTransitions, currentStates, lastHealthPass,
		usageCPU, usageMemory, usageThreads, usageFDs,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(id string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(id).Inc()
	}
}

func IncStop(id string, graceful bool) {
	if regOK.Load() {
		g := "true"
		if !graceful {
			g = "false"
		}
		serverStops.WithLabelValues(id, g).Inc()
	}
}

func IncRestart(id string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(id).Inc()
	}
}

func IncCrash(id string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(id).Inc()
	}
}

func IncHealthFailure(id string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(id).Inc()
	}
}

func IncSpawnFailure(id string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(id).Inc()
	}
}

func RecordStateTransition(id, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(id, from, to).Inc()
	}
}

func SetCurrentState(id, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(id, state).Set(value)
	}
}

func SetLastHealthPass(unixSeconds float64) {
	if regOK.Load() {
		lastHealthPass.Set(unixSeconds)
	}
}
