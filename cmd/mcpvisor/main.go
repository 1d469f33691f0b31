package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	API        APIFlags
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createListCommand(flags),
		createAddCommand(flags),
		createUpdateCommand(flags),
		createEnableCommand(flags, true),
		createEnableCommand(flags, false),
		createDeleteCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createStatusCommand(flags),
		createLogsCommand(flags),
		createTestCommand(flags),
		createTokenCommand(flags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpvisor",
		Short: "Supervisor for locally registered MCP servers",
		Long: `mcpvisor starts, stops and watches the MCP servers registered in
mcp-servers.json and exposes them over an HTTP API.

Examples:
  mcpvisor serve --config mcpvisor.toml
  mcpvisor add --name filesystem --command npx -- -y @modelcontextprotocol/server-filesystem /tmp
  mcpvisor start filesystem
  mcpvisor logs filesystem --lines 50
  mcpvisor list --api-url http://remote:8787/api/mcp`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.API.URL, "api-url", "", "daemon API base URL (default from config or "+defaultAPIURL+")")
	root.PersistentFlags().DurationVar(&flags.API.Timeout, "api-timeout", 0, "API request timeout")
	root.PersistentFlags().BoolVar(&flags.API.Insecure, "insecure", false, "skip TLS verification for https API URLs")
	root.PersistentFlags().BoolVar(&flags.API.JSON, "json", false, "print raw JSON")
	root.PersistentFlags().StringVar(&flags.API.Token, "token", os.Getenv("MCPVISOR_TOKEN"), "bearer token (default $MCPVISOR_TOKEN, or minted from the config's auth_secret)")
	return root
}
