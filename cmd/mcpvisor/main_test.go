//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpvisor"
	"github.com/loykin/mcpvisor/internal/auth"
	"github.com/loykin/mcpvisor/internal/registry"
)

// startDaemon serves a daemon's API on an httptest server and returns its base URL.
func startDaemon(t *testing.T) string {
	t.Helper()
	c := mcpvisor.DefaultConfig()
	c.Registry.Path = filepath.Join(t.TempDir(), registry.FileName)
	c.Supervisor.GracePeriod = time.Second
	c.Supervisor.HealthInterval = -1
	d, err := mcpvisor.NewDaemon(c, &bytes.Buffer{})
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return srv.URL + c.Server.BasePath
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := buildRoot()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestHelp(t *testing.T) {
	out, _, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "mcpvisor")
	for _, sub := range []string{"serve", "list", "add", "start", "stop", "restart", "status", "logs", "test", "delete"} {
		assert.Contains(t, out, sub)
	}
}

func TestCLI_Lifecycle(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	api := startDaemon(t)

	out, _, err := run(t, "--api-url", api, "add", "--name", "Echo Server", "--command", "/bin/sh", "--", "-c", "echo hi; exec sleep 30")
	require.NoError(t, err)
	assert.Contains(t, out, "added echo-server")

	out, _, err = run(t, "--api-url", api, "start", "echo-server")
	require.NoError(t, err)
	assert.Contains(t, out, "echo-server: running")

	out, _, err = run(t, "--api-url", api, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "echo-server")
	assert.Contains(t, out, "running")

	require.Eventually(t, func() bool {
		out, _, err := run(t, "--api-url", api, "logs", "echo-server", "-n", "5")
		return err == nil && strings.Contains(out, "[stdout] hi")
	}, 2*time.Second, 20*time.Millisecond)

	out, _, err = run(t, "--api-url", api, "--json", "status", "echo-server")
	require.NoError(t, err)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "running", st["status"])

	out, _, err = run(t, "--api-url", api, "stop", "echo-server")
	require.NoError(t, err)
	assert.Contains(t, out, "echo-server: stopped")

	_, _, err = run(t, "--api-url", api, "stop", "echo-server")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_running")

	out, _, err = run(t, "--api-url", api, "disable", "echo-server")
	require.NoError(t, err)
	assert.Contains(t, out, "enabled=false")

	_, _, err = run(t, "--api-url", api, "start", "echo-server")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	out, _, err = run(t, "--api-url", api, "delete", "echo-server")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted echo-server")

	_, _, err = run(t, "--api-url", api, "status", "echo-server")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestCLI_ArgsValidation(t *testing.T) {
	_, _, err := run(t, "start")
	assert.Error(t, err)
	_, _, err = run(t, "--api-url", "http://127.0.0.1:1", "list")
	assert.Error(t, err)
}

func TestAPIURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8787/api/mcp", apiURL(":8787", "/api/mcp"))
	assert.Equal(t, "http://127.0.0.1:9000/x", apiURL("0.0.0.0:9000", "x/"))
	assert.Equal(t, "http://localhost:9000", apiURL("localhost:9000", ""))
	assert.Equal(t, defaultAPIURL, apiURL("garbage", "/api"))
}

func TestAPIFlags_FromConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nlisten = \":7777\"\nbase_path = \"/m\"\n"), 0o600))
	c, err := APIFlags{}.client(p)
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = APIFlags{}.client("/definitely/missing.toml")
	assert.Error(t, err)
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, writePidFile(p, 1234))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(b))
	require.NoError(t, removePidFile(p))
	assert.NoError(t, removePidFile(""))
}

func TestToken_MintsVerifiableToken(t *testing.T) {
	p := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nauth_secret = \"0123456789abcdef-cli\"\n"), 0o600))
	out, _, err := run(t, "--config", p, "token", "--ttl", "1m")
	require.NoError(t, err)
	s, err := auth.NewService("0123456789abcdef-cli", time.Minute)
	require.NoError(t, err)
	claims, err := s.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "cli", claims.Subject)

	empty := filepath.Join(t.TempDir(), "e.toml")
	require.NoError(t, os.WriteFile(empty, []byte("[server]\n"), 0o600))
	_, _, err = run(t, "--config", empty, "token")
	assert.Error(t, err)
}
