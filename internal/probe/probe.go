// Package probe runs a one-shot MCP handshake against a server definition:
// spawn it over stdio, initialize, list tools, close.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loykin/mcpvisor/internal/env"
	"github.com/loykin/mcpvisor/internal/supervisor"
)

const DefaultTimeout = 5 * time.Second

var ErrNoCommand = errors.New("probe: command is required")

// Result describes a successful handshake.
type Result struct {
	ServerName      string        `json:"serverName"`
	ServerVersion   string        `json:"serverVersion"`
	ProtocolVersion string        `json:"protocolVersion"`
	Tools           []string      `json:"tools"`
	Duration        time.Duration `json:"duration"`
}

// Prober spawns a throwaway instance per call. It never touches supervised processes.
type Prober struct {
	Timeout       time.Duration
	Env           *env.Env
	ClientName    string
	ClientVersion string
}

func New(timeout time.Duration, e *env.Env) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if e == nil {
		e = env.New()
	}
	return &Prober{Timeout: timeout, Env: e, ClientName: "mcpvisor", ClientVersion: "0.1.0"}
}

// Test performs the handshake. The child is always closed before returning.
func (p *Prober) Test(ctx context.Context, def supervisor.Definition) (*Result, error) {
	if def.Command == "" {
		return nil, ErrNoCommand
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	begin := time.Now()

	// the stdio client starts the child itself
	c, err := client.NewStdioMCPClient(def.Command, p.Env.Merge(def.Env), def.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", def.Command, err)
	}
	defer func() { _ = c.Close() }()

	ir, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    p.ClientName,
				Version: p.ClientVersion,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	res := &Result{
		ServerName:      ir.ServerInfo.Name,
		ServerVersion:   ir.ServerInfo.Version,
		ProtocolVersion: ir.ProtocolVersion,
		Tools:           []string{},
	}
	if ir.Capabilities.Tools != nil {
		tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, t := range tools.Tools {
			res.Tools = append(res.Tools, t.Name)
		}
	}
	res.Duration = time.Since(begin)
	return res, nil
}
