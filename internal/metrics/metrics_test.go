package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("fs")
	IncStart("fs")
	IncRestart("fs")
	IncCrash("fs")
	IncStop("fs", false)
	IncHealthFailure("fs")
	IncSpawnFailure("fs")
	SetLastHealthPass(1700000000)

	assert.Equal(t, 2.0, testutil.ToFloat64(serverStarts.WithLabelValues("fs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serverStops.WithLabelValues("fs", "false")))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(lastHealthPass))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	wantNames := map[string]bool{
		"mcpvisor_server_starts_total":                false,
		"mcpvisor_server_auto_restarts_total":         false,
		"mcpvisor_server_crashes_total":               false,
		"mcpvisor_server_stops_total":                 false,
		"mcpvisor_server_health_check_failures_total": false,
		"mcpvisor_server_spawn_failures_total":        false,
		"mcpvisor_last_health_pass_timestamp_seconds": false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = len(mf.GetMetric()) > 0
		}
	}
	for n, ok := range wantNames {
		assert.True(t, ok, "expected samples for %s", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "mcpvisor_server_starts_total"))
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncRestart("c")
			IncStop("c", true)
			RecordStateTransition("c", "running", "stopped")
			SetCurrentState("c", "stopped", true)
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	assert.NoError(t, err)
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	before := testutil.ToFloat64(serverCrashes.WithLabelValues("unregistered"))
	IncCrash("unregistered")
	IncStart("unregistered")
	RecordStateTransition("unregistered", "starting", "running")
	SetCurrentState("unregistered", "running", true)
	assert.Equal(t, before, testutil.ToFloat64(serverCrashes.WithLabelValues("unregistered")))
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestSample_Self(t *testing.T) {
	u, err := Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.Greater(t, u.MemoryRSS, uint64(0))
}

func TestSample_InvalidPID(t *testing.T) {
	_, err := Sample(context.Background(), 0)
	assert.Error(t, err)
}

func TestUsageCollector_DropsStaleServers(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.NewRegistry()))

	pids := map[string]int{"self": os.Getpid()}
	c := NewUsageCollector(0, func() map[string]int { return pids }, nil)
	c.Collect(context.Background())
	assert.Greater(t, testutil.ToFloat64(usageMemory.WithLabelValues("self")), 0.0)

	pids = map[string]int{}
	c.Collect(context.Background())
	assert.Equal(t, 0, testutil.CollectAndCount(usageMemory))
	c.Stop()
}
