package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/mcpvisor"
	"github.com/loykin/mcpvisor/internal/auth"
)

func createTokenCommand(g *GlobalFlags) *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token from the config's server.auth_secret",
		Long: `Mint a bearer token for a daemon started with server.auth_secret.

Examples:
  mcpvisor token --config mcpvisor.toml --ttl 1h
  MCPVISOR_TOKEN=$(mcpvisor token --config mcpvisor.toml) mcpvisor list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := mcpvisor.LoadConfig(g.ConfigPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			if cfg.Server.AuthSecret == "" {
				return errors.New("server.auth_secret is not configured")
			}
			ttl := f.TTL
			if ttl <= 0 {
				ttl = cfg.Server.TokenTTL
			}
			s, err := auth.NewService(cfg.Server.AuthSecret, ttl)
			if err != nil {
				return err
			}
			tok, err := s.Issue(f.Subject)
			if err != nil {
				return err
			}
			if g.API.JSON {
				return printJSON(cmd.OutOrStdout(), tok)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return err
		},
	}
	cmd.Flags().StringVar(&f.Subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&f.TTL, "ttl", 0, "token lifetime (default server.token_ttl)")
	return cmd
}
