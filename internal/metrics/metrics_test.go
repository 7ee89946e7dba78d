package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlavorLifecycleMetrics(t *testing.T) {
	c := New("test")

	c.FlavorLaunched("ping")
	c.FlavorLaunched("ping")
	c.FlavorTerminated("ping")
	c.FlavorLaunchFailed("pong")

	expected := `
		# HELP test_flavor_launches_total Total number of flavor processes started
		# TYPE test_flavor_launches_total counter
		test_flavor_launches_total{flavor="ping"} 2
		# HELP test_flavor_processes Flavor processes currently alive
		# TYPE test_flavor_processes gauge
		test_flavor_processes{flavor="ping"} 1
		# HELP test_flavor_launch_errors_total Total number of flavor processes that failed to spawn
		# TYPE test_flavor_launch_errors_total counter
		test_flavor_launch_errors_total{flavor="pong"} 1
	`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"test_flavor_launches_total", "test_flavor_processes", "test_flavor_launch_errors_total")
	assert.NoError(t, err)
}

func TestProxyAndBuildMetrics(t *testing.T) {
	c := New("test")

	c.ReadinessResolved("ping", ReadinessReady, 20*time.Millisecond)
	c.ReadinessResolved("ping", ReadinessTimeout, 500*time.Millisecond)
	c.ProxyFinished("ping", "ok", 30*time.Millisecond)
	c.BuildFinished("ping", "succeeded", time.Second)
	c.BuildQueueDepth(3)

	count, err := testutil.GatherAndCount(c.Registry(), "test_flavor_readiness_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(c.Registry(), "test_proxy_requests_total", "test_build_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.buildQueueDepth))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.FlavorLaunched("x")
		c.FlavorLaunchFailed("x")
		c.FlavorTerminated("x")
		c.ReadinessResolved("x", ReadinessReady, time.Millisecond)
		c.ProxyFinished("x", "ok", time.Millisecond)
		c.BuildFinished("x", "failed", time.Millisecond)
		c.BuildQueueDepth(1)
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerServesExposition(t *testing.T) {
	c := New("")
	c.FlavorLaunched("ping")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `bbq_flavor_launches_total{flavor="ping"} 1`)
}
