package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/mcpvisor"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the mcpvisor daemon",
		Long: `Run the daemon: load the config, optionally start every enabled server
and serve the HTTP API until SIGINT or SIGTERM. All supervised servers are
stopped on shutdown.

Examples:
  mcpvisor serve
  mcpvisor serve mcpvisor.toml --autostart
  mcpvisor serve --daemonize --pidfile /tmp/mcpvisor.pid --logfile /tmp/mcpvisor.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			autostart := cmd.Flags().Changed("autostart")
			return runServe(cmd.Context(), path, f, autostart)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	cmd.Flags().BoolVar(&f.Autostart, "autostart", false, "start every enabled server (overrides supervisor.autostart)")
	return cmd
}

func runServe(ctx context.Context, path string, f *ServeFlags, autostartSet bool) error {
	cfg, err := mcpvisor.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if autostartSet {
		cfg.Supervisor.Autostart = f.Autostart
	}

	d, err := mcpvisor.NewDaemon(cfg, os.Stderr)
	if err != nil {
		return err
	}
	log := d.Logger()
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			log.Warn("write pid file", "path", f.PidFile, "error", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Supervisor.Autostart {
		if err := d.Autostart(); err != nil {
			log.Warn("some servers failed to start", "error", err)
		}
	}

	serveErr := d.Serve(ctx)
	log.Info("shutting down")

	cctx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.GracePeriod+10*time.Second)
	defer cancel()
	if err := d.Close(cctx); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}
