// Package mcpvisor supervises the MCP servers registered with a local AI assistant and
// exposes them over an embeddable HTTP API.
package mcpvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mcpvisor/internal/auth"
	"github.com/loykin/mcpvisor/internal/config"
	"github.com/loykin/mcpvisor/internal/history"
	"github.com/loykin/mcpvisor/internal/history/factory"
	"github.com/loykin/mcpvisor/internal/logger"
	"github.com/loykin/mcpvisor/internal/metrics"
	"github.com/loykin/mcpvisor/internal/probe"
	"github.com/loykin/mcpvisor/internal/registry"
	"github.com/loykin/mcpvisor/internal/server"
	"github.com/loykin/mcpvisor/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Definition = supervisor.Definition

type Status = supervisor.Status

type State = supervisor.State

type Event = supervisor.Event

type Listener = supervisor.Listener

type LogEntry = supervisor.LogEntry

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// Daemon wires registry, supervisor, history, metrics and the HTTP API from a Config.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer
	reg       *registry.Registry
	sup       *supervisor.Supervisor
	hist      *history.Recorder
	usage     *metrics.UsageCollector
	router    *server.Router
}

// NewDaemon builds every component. stderr receives the daemon log (nil means os.Stderr).
func NewDaemon(c *Config, stderr io.Writer) (*Daemon, error) {
	if c == nil {
		c = config.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	lc := c.Logger()
	log, logCloser, err := logger.New(lc, stderr)
	if err != nil {
		return nil, err
	}
	d := &Daemon{cfg: c, log: log, logCloser: logCloser}

	path, err := registry.ResolvePath(c.Registry.Path)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	d.reg = registry.New(path)

	genv, err := c.GlobalEnv()
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = logCloser.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(c.History.Sinks)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	if len(sinks) > 0 {
		d.hist = history.NewRecorder(log, sinks...)
	}

	opts := supervisor.Options{
		MaxRestarts:    c.Supervisor.MaxRestarts,
		BackoffBase:    c.Supervisor.BackoffBase,
		GracePeriod:    c.Supervisor.GracePeriod,
		HealthInterval: c.Supervisor.HealthInterval,
		LogCapacity:    c.Supervisor.LogCapacity,
		Env:            genv,
		Logger:         log,
		History:        d.hist,
	}
	if c.Supervisor.MaxRestarts == 0 {
		// zero in the config means no automatic restarts
		opts.MaxRestarts = -1
	}
	if lc.File.Dir != "" {
		opts.Output = lc.ProcessWriters
	}
	d.sup = supervisor.New(opts)

	var tokens *auth.Service
	if c.Server.AuthSecret != "" {
		if tokens, err = auth.NewService(c.Server.AuthSecret, c.Server.TokenTTL); err != nil {
			_ = logCloser.Close()
			return nil, err
		}
	}

	if c.Metrics.Enabled {
		d.usage = metrics.NewUsageCollector(c.Metrics.UsageInterval, d.sup.PIDs, log)
	}

	d.router = server.NewRouter(server.Deps{
		Registry:   d.reg,
		Supervisor: d.sup,
		Prober:     probe.New(c.Probe.Timeout, genv),
		Logger:     log,
		Auth:       tokens,
		Metrics:    c.Metrics.Enabled && c.Metrics.Listen == "",
	}, c.Server.BasePath)

	log.Info("mcpvisor initialized", "registry", path, "history_sinks", len(sinks), "metrics", c.Metrics.Enabled)
	return d, nil
}

func (d *Daemon) Logger() *slog.Logger { return d.log }

func (d *Daemon) Registry() *registry.Registry { return d.reg }

func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Handler is the HTTP API, ready to be mounted in any mux.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Subscribe registers l for lifecycle events.
func (d *Daemon) Subscribe(l Listener) (unsubscribe func()) { return d.sup.Subscribe(l) }

// Autostart starts every enabled definition. Failures are logged and joined.
func (d *Daemon) Autostart() error {
	defs, err := d.reg.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if _, err := d.sup.Start(def); err != nil {
			d.log.Warn("autostart failed", "server", def.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", def.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Serve runs the API listener (and the metrics listener when configured separately)
// until ctx is done, then shuts the listeners down. Supervised servers keep running
// until Close.
func (d *Daemon) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	listen := func(srv *http.Server, what string) {
		d.log.Info("listening", "what", what, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", what, err)
		}
	}

	srvs := []*http.Server{server.NewServer(d.cfg.Server.Listen, d.Handler())}
	go listen(srvs[0], "api")
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		m := server.NewServer(d.cfg.Metrics.Listen, mux)
		srvs = append(srvs, m)
		go listen(m, "metrics")
	}
	if d.usage != nil {
		d.usage.Start(ctx)
		defer d.usage.Stop()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range srvs {
		_ = s.Shutdown(sctx)
	}
	return err
}

// Close stops every supervised server, then flushes history and the daemon log.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	if err := d.sup.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.usage != nil {
		d.usage.Stop()
	}
	if err := d.hist.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	d.log.Info("mcpvisor stopped")
	if err := d.logCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func MetricsHandler() http.Handler { return metrics.Handler() }
