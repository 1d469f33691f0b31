//go:build !windows

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpvisor/internal/auth"
	"github.com/loykin/mcpvisor/internal/registry"
	"github.com/loykin/mcpvisor/internal/supervisor"
)

type fixture struct {
	h    http.Handler
	base string
	reg  *registry.Registry
	sup  *supervisor.Supervisor
}

func setupRouter(t *testing.T, base string) *fixture {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(filepath.Join(t.TempDir(), registry.FileName))
	sup := supervisor.New(supervisor.Options{
		BackoffBase:    20 * time.Millisecond,
		GracePeriod:    time.Second,
		HealthInterval: -1,
		Logger:         quiet,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	r := NewRouter(Deps{Registry: reg, Supervisor: sup, Logger: quiet, Metrics: true}, base)
	return &fixture{h: r.Handler(), base: normalizeBasePath(base), reg: reg, sup: sup}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (f *fixture) add(t *testing.T, name, script string, enabled bool) string {
	t.Helper()
	rec, env := doReq(t, f.h, http.MethodPost, f.base+"/servers", map[string]any{
		"name":    name,
		"command": "/bin/sh",
		"args":    []string{"-c", script},
		"enabled": enabled,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v.ID
}

func TestAdd_Validation(t *testing.T) {
	f := setupRouter(t, "/api")
	rec, env := doReq(t, f.h, http.MethodPost, "/api/servers", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, TypeValidation, env.Error.Type)

	rec, _ = doReq(t, f.h, http.MethodPost, "/api/servers", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdd_DerivesIDAndRejectsDuplicate(t *testing.T) {
	f := setupRouter(t, "/api")
	id := f.add(t, "My Server", "exec sleep 30", true)
	assert.Equal(t, "my-server", id)

	rec, env := doReq(t, f.h, http.MethodPost, "/api/servers", map[string]any{"name": "my server", "command": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, TypeDuplicate, env.Error.Type)
}

func TestUnknownID(t *testing.T) {
	f := setupRouter(t, "/api")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/servers/nope"},
		{http.MethodPost, "/api/servers/nope/start"},
		{http.MethodPost, "/api/servers/nope/stop"},
		{http.MethodPost, "/api/servers/nope/restart"},
		{http.MethodGet, "/api/servers/nope/status"},
		{http.MethodGet, "/api/servers/nope/logs"},
		{http.MethodPost, "/api/servers/nope/test"},
		{http.MethodDelete, "/api/servers/nope"},
	} {
		rec, env := doReq(t, f.h, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		require.NotNil(t, env.Error, tc.path)
		assert.Equal(t, TypeNotFound, env.Error.Type)
		assert.False(t, env.Error.Recoverable)
	}
}

func TestInvalidID(t *testing.T) {
	f := setupRouter(t, "")
	rec, env := doReq(t, f.h, http.MethodGet, "/servers/a..b", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, TypeValidation, env.Error.Type)
}

func TestLifecycle(t *testing.T) {
	f := setupRouter(t, "/api")
	id := f.add(t, "sleeper", "echo ready; exec sleep 30", true)

	rec, env := doReq(t, f.h, http.MethodPost, "/api/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st supervisor.Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, supervisor.StateRunning, st.State)
	assert.Greater(t, st.PID, 0)

	rec, env = doReq(t, f.h, http.MethodPost, "/api/servers/"+id+"/start", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, TypeAlreadyRunning, env.Error.Type)
	assert.True(t, env.Error.Recoverable)

	require.Eventually(t, func() bool {
		_, env := doReq(t, f.h, http.MethodGet, "/api/servers/"+id+"/logs?lines=10", nil)
		var logs []supervisor.LogEntry
		_ = json.Unmarshal(env.Data, &logs)
		return len(logs) == 1 && logs[0].Line == "ready"
	}, 2*time.Second, 20*time.Millisecond)

	rec, env = doReq(t, f.h, http.MethodGet, "/api/servers/"+id+"/status?usage=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sv struct {
		Status string `json:"status"`
		PID    int    `json:"pid"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sv))
	assert.Equal(t, "running", sv.Status)
	assert.Equal(t, st.PID, sv.PID)

	rec, env = doReq(t, f.h, http.MethodPost, "/api/servers/"+id+"/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st2 supervisor.Status
	require.NoError(t, json.Unmarshal(env.Data, &st2))
	assert.Equal(t, supervisor.StateRunning, st2.State)
	assert.NotEqual(t, st.PID, st2.PID)

	rec, env = doReq(t, f.h, http.MethodPost, "/api/servers/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sv2 StopView
	require.NoError(t, json.Unmarshal(env.Data, &sv2))
	assert.True(t, sv2.Graceful)
	assert.Empty(t, sv2.Warning)
	assert.Equal(t, supervisor.StateStopped, sv2.Status.State)

	rec, env = doReq(t, f.h, http.MethodPost, "/api/servers/"+id+"/stop", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, TypeNotRunning, env.Error.Type)
	assert.True(t, env.Error.Recoverable)
}

func TestStop_UngracefulWarning(t *testing.T) {
	f := setupRouter(t, "")
	id := f.add(t, "stubborn", "trap '' TERM; echo up; while :; do sleep 0.05; done", true)
	rec, _ := doReq(t, f.h, http.MethodPost, "/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return len(f.sup.Logs(id, 0)) > 0 }, 2*time.Second, 10*time.Millisecond)

	rec, env := doReq(t, f.h, http.MethodPost, "/servers/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v StopView
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.False(t, v.Graceful)
	assert.Contains(t, v.Warning, "forcefully")
}

func TestStart_Disabled(t *testing.T) {
	f := setupRouter(t, "")
	id := f.add(t, "off", "exec sleep 30", false)
	rec, env := doReq(t, f.h, http.MethodPost, "/servers/"+id+"/start", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, TypeDisabled, env.Error.Type)
	assert.True(t, env.Error.Recoverable)
	assert.Equal(t, supervisor.StateStopped, f.sup.Status(id).State)
}

func TestStart_SpawnFailure(t *testing.T) {
	f := setupRouter(t, "")
	_, err := f.reg.Add(registry.NewServer{Name: "ghost", Command: "/definitely/not/here"})
	require.NoError(t, err)
	rec, env := doReq(t, f.h, http.MethodPost, "/servers/ghost/start", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, TypeSpawnFailure, env.Error.Type)
	assert.Equal(t, supervisor.StateFailed, f.sup.Status("ghost").State)
}

func TestUpdate_DisableStopsServer(t *testing.T) {
	f := setupRouter(t, "")
	id := f.add(t, "worker", "exec sleep 30", true)
	rec, _ := doReq(t, f.h, http.MethodPost, "/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := doReq(t, f.h, http.MethodPut, "/servers/"+id, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v ServerView
	require.NoError(t, json.Unmarshal(env.Data, &v))
	assert.False(t, v.Enabled)
	assert.Equal(t, supervisor.StateStopped, v.Runtime.State)

	rec, env = doReq(t, f.h, http.MethodPut, "/servers/"+id, map[string]any{"command": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, TypeValidation, env.Error.Type)
}

func TestDelete_StopsFirst(t *testing.T) {
	f := setupRouter(t, "")
	id := f.add(t, "doomed", "exec sleep 30", true)
	rec, _ := doReq(t, f.h, http.MethodPost, "/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doReq(t, f.h, http.MethodDelete, "/servers/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, f.sup.IsAlive(id))
	_, err := f.reg.Get(id)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestList(t *testing.T) {
	f := setupRouter(t, "/api/")
	f.add(t, "b", "exec sleep 30", true)
	f.add(t, "a", "exec sleep 30", false)
	rec, env := doReq(t, f.h, http.MethodGet, "/api/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ServerView
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.False(t, list[0].Enabled)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, supervisor.StateStopped, list[1].Runtime.State)
}

func TestLogs_BadLines(t *testing.T) {
	f := setupRouter(t, "")
	id := f.add(t, "x", "true", true)
	rec, env := doReq(t, f.h, http.MethodGet, "/servers/"+id+"/logs?lines=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, TypeValidation, env.Error.Type)
}

func TestLogs_DefaultReturnsWholeBuffer(t *testing.T) {
	f := setupRouter(t, "")
	id := f.add(t, "chatty", "i=1; while [ $i -le 300 ]; do echo line$i; i=$((i+1)); done; exec sleep 30", true)
	rec, _ := doReq(t, f.h, http.MethodPost, "/servers/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool { return len(f.sup.Logs(id, 0)) == 300 }, 5*time.Second, 20*time.Millisecond)

	rec, env := doReq(t, f.h, http.MethodGet, "/servers/"+id+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []supervisor.LogEntry
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	require.Len(t, logs, 300)
	assert.Equal(t, "line1", logs[0].Line)
	assert.Equal(t, "line300", logs[299].Line)

	_, env = doReq(t, f.h, http.MethodGet, "/servers/"+id+"/logs?lines=10", nil)
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	require.Len(t, logs, 10)
	assert.Equal(t, "line291", logs[0].Line)
}

func TestTest_NotAnMCPServer(t *testing.T) {
	f := setupRouter(t, "")
	id := f.add(t, "plain", "exit 3", true)
	rec, env := doReq(t, f.h, http.MethodPost, "/servers/"+id+"/test", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, TypeConnection, env.Error.Type)
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupRouter(t, "/api")
	rec, env := doReq(t, f.h, http.MethodGet, "/api/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	var hv HealthView
	require.NoError(t, json.Unmarshal(env.Data, &hv))
	assert.Equal(t, "ok", hv.Status)

	rec, _ = doReq(t, f.h, http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_RequiresBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens, err := auth.NewService("0123456789abcdef-router", time.Hour)
	require.NoError(t, err)
	sup := supervisor.New(supervisor.Options{HealthInterval: -1, Logger: quiet})
	t.Cleanup(func() { _ = sup.Close(context.Background()) })
	h := NewRouter(Deps{
		Registry:   registry.New(filepath.Join(t.TempDir(), registry.FileName)),
		Supervisor: sup,
		Logger:     quiet,
		Auth:       tokens,
	}, "/api").Handler()

	rec, env := doReq(t, h, http.MethodGet, "/api/servers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, TypeUnauthorized, env.Error.Type)

	rec, _ = doReq(t, h, http.MethodGet, "/api/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	tok, err := tokens.Issue("test")
	require.NoError(t, err)
	for _, hdr := range []string{"Bearer " + tok.Value, "Bearer garbage", tok.Value} {
		req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
		req.Header.Set("Authorization", hdr)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if hdr == "Bearer "+tok.Value {
			assert.Equal(t, http.StatusOK, rec.Code)
		} else {
			assert.Equal(t, http.StatusUnauthorized, rec.Code, hdr)
		}
	}
}
