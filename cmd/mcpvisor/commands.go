package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/mcpvisor/internal/env"
	"github.com/loykin/mcpvisor/pkg/client"
)

func createListCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered servers with their runtime state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			servers, err := c.List(ctxOf(cmd))
			if err != nil {
				return err
			}
			if g.API.JSON {
				return printJSON(cmd.OutOrStdout(), servers)
			}
			printServers(cmd.OutOrStdout(), servers)
			return nil
		},
	}
}

func createAddCommand(g *GlobalFlags) *cobra.Command {
	f := &AddFlags{}
	cmd := &cobra.Command{
		Use:   "add --name NAME --command CMD [-- ARGS...]",
		Short: "Register a new server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			req := client.AddRequest{Name: f.Name, Command: f.Command, Args: args, Env: envMap(f.Env)}
			if f.Disabled {
				off := false
				req.Enabled = &off
			}
			s, err := c.Add(ctxOf(cmd), req)
			if err != nil {
				return err
			}
			if g.API.JSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", s.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "display name; the id is derived from it")
	cmd.Flags().StringVar(&f.Command, "command", "", "executable to run")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&f.Disabled, "disabled", false, "register without enabling")
	return cmd
}

func createUpdateCommand(g *GlobalFlags) *cobra.Command {
	f := &UpdateFlags{}
	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change command, args or env of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			var req client.UpdateRequest
			if cmd.Flags().Changed("command") {
				req.Command = &f.Command
			}
			if cmd.Flags().Changed("arg") {
				req.Args = &f.Args
			}
			if cmd.Flags().Changed("env") {
				m := envMap(f.Env)
				req.Env = &m
			}
			s, err := c.Update(ctxOf(cmd), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&f.Command, "command", "", "executable to run")
	cmd.Flags().StringArrayVar(&f.Args, "arg", nil, "argument (repeatable, replaces all args)")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "KEY=VALUE (repeatable, replaces all env)")
	return cmd
}

func createEnableCommand(g *GlobalFlags, enabled bool) *cobra.Command {
	use, short := "enable ID", "Enable a server"
	if !enabled {
		use, short = "disable ID", "Disable a server, stopping it if running"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			s, err := c.SetEnabled(ctxOf(cmd), args[0], enabled)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t status=%s\n", s.ID, s.Enabled, s.Runtime.State)
			return nil
		},
	}
}

func createDeleteCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Stop and unregister a server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			if err := c.Delete(ctxOf(cmd), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func createStartCommand(g *GlobalFlags) *cobra.Command {
	return statusAction(g, "start ID", "Start a server", func(ctx context.Context, c *client.Client, id string) (client.Status, error) {
		return c.Start(ctx, id)
	})
}

func createRestartCommand(g *GlobalFlags) *cobra.Command {
	return statusAction(g, "restart ID", "Restart a server with a fresh restart budget", func(ctx context.Context, c *client.Client, id string) (client.Status, error) {
		return c.Restart(ctx, id)
	})
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := statusAction(g, "status ID", "Show the runtime status of a server", func(ctx context.Context, c *client.Client, id string) (client.Status, error) {
		return c.Status(ctx, id, f.Usage)
	})
	cmd.Flags().BoolVar(&f.Usage, "usage", false, "include a CPU/memory sample")
	return cmd
}

func statusAction(g *GlobalFlags, use, short string, do func(context.Context, *client.Client, string) (client.Status, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			st, err := do(ctxOf(cmd), c, args[0])
			if err != nil {
				return err
			}
			if g.API.JSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createStopCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a server (SIGTERM, then SIGKILL after the grace period)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			res, err := c.Stop(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			if g.API.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printStatus(cmd.OutOrStdout(), res.Status)
			if res.Warning != "" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", res.Warning)
			}
			return nil
		},
	}
}

func createLogsCommand(g *GlobalFlags) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print the most recent output lines of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			logs, err := c.Logs(ctxOf(cmd), args[0], f.Lines)
			if err != nil {
				return err
			}
			if g.API.JSON {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			for _, e := range logs {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), e.String())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 100, "number of lines; 0 prints everything retained")
	return cmd
}

func createTestCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test ID",
		Short: "Run an MCP handshake against a throwaway instance of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.API.client(g.ConfigPath)
			if err != nil {
				return err
			}
			res, err := c.Test(ctxOf(cmd), args[0])
			if err != nil {
				return err
			}
			if g.API.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (protocol %s) in %s\ntools: %s\n",
				res.ServerName, res.ServerVersion, res.ProtocolVersion, res.Duration, strings.Join(res.Tools, ", "))
			return nil
		},
	}
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func envMap(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	return env.Parse(kvs)
}
