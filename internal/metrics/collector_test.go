package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(config.MetricsConfig{Port: 9090, Path: "/metrics", Namespace: "test"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewCollectorDefaults(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(config.MetricsConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "dashperf", c.config.Namespace)
	assert.Equal(t, "/metrics", c.config.Path)
	assert.NotNil(t, c.Registry())
}

func TestComponentStatistics(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.Register("cache", types.StatsFunc(func() map[string]float64 {
		return map[string]float64{"hits": 3, "hit_rate": 0.75, "broken": math.NaN()}
	}))
	c.Register("loader", types.StatsFunc(func() map[string]float64 {
		return map[string]float64{"loads": 1}
	}))

	snap := c.Snapshot()
	assert.Equal(t, map[string]float64{"hits": 3, "hit_rate": 0.75}, snap["cache"])
	assert.Equal(t, map[string]float64{"loads": 1}, snap["loader"])

	assert.Equal(t, 3, testutil.CollectAndCount(c, "test_component_statistic"))

	expected := `
# HELP test_component_statistic Statistic exported by a dashperf component
# TYPE test_component_statistic gauge
test_component_statistic{component="cache",statistic="hit_rate"} 0.75
test_component_statistic{component="cache",statistic="hits"} 3
test_component_statistic{component="loader",statistic="loads"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "test_component_statistic"))
}

func TestRecordOperationAndErrors(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordOperation("fetch_page", 10*time.Millisecond, nil)
	c.RecordOperation("fetch_page", 20*time.Millisecond, nil)
	c.RecordOperation("fetch_page", time.Millisecond, errors.NewNotFound("loader", "k"))
	c.RecordError("batch", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("fetch_page", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("fetch_page", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("fetch_page", "not_found")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operationDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.errorCounter))
}

func TestCacheObserver(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	cc := cache.New[int](cache.Config{MaxSize: 10, DefaultTTL: time.Minute, ThreadSafe: true},
		cache.WithObserver(c.CacheObserver("shared")))
	defer cc.Close()

	cc.Set("a", 1, 0)
	_, ok := cc.Get("a")
	require.True(t, ok)
	_, ok = cc.Get("missing")
	require.False(t, ok)
	n, err := cc.Invalidate("^a$")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvents.WithLabelValues("shared", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvents.WithLabelValues("shared", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvents.WithLabelValues("shared", "invalidation")))
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.Register("cache", types.StatsFunc(func() map[string]float64 {
		return map[string]float64{"size": 2}
	}))
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Components map[string]map[string]float64 `json:"components"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 2.0, body.Components["cache"]["size"])
	})

	t.Run("component stats", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/stats/cache")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(srv.URL + "/stats/nope")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	healthy := true
	c.RegisterHealthCheck("upstream", func() error {
		if healthy {
			return nil
		}
		return fmt.Errorf("connection refused")
	})
	h := c.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	disabled := newTestCollector(t)
	require.NoError(t, disabled.Start(context.Background()))
	require.NoError(t, disabled.Stop(context.Background()))

	c, err := NewCollector(config.MetricsConfig{Enabled: true, Port: 19191, Namespace: "start"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	err = c.Start(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyStarted))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}
