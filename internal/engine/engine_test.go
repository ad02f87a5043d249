package engine

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/internal/loader"
	"github.com/dashperf/dashperf/internal/pagination"
	"github.com/dashperf/dashperf/internal/source/sqlsource"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/health"
	"github.com/dashperf/dashperf/pkg/types"
)

type memorySource struct {
	records []types.Record
	fetches atomic.Int64
	lookups atomic.Int64
	block   chan struct{}
}

func newMemorySource(n int) *memorySource {
	s := &memorySource{}
	for i := 1; i <= n; i++ {
		s.records = append(s.records, types.Record{"id": i, "name": fmt.Sprintf("row-%d", i)})
	}
	return s
}

func (s *memorySource) fetch(ctx context.Context, req pagination.FetchRequest) ([]types.Record, error) {
	s.fetches.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ids, ok := req.Filters["id"].([]any); ok {
		s.lookups.Add(1)
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[fmt.Sprint(id)] = true
		}
		var out []types.Record
		for _, r := range s.records {
			if want[fmt.Sprint(r["id"])] {
				out = append(out, r)
			}
		}
		return out, nil
	}

	start := req.Offset
	if req.After != nil {
		start = int(req.After.(float64))
	}
	if start > len(s.records) {
		start = len(s.records)
	}
	end := len(s.records)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	return s.records[start:end], nil
}

func (s *memorySource) count(context.Context, map[string]any, string) (int, error) {
	return len(s.records), nil
}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Monitoring.Metrics.Enabled = false
	cfg.Pagination.Strategy = "offset"
	cfg.Pagination.PageSize = 10
	cfg.Pagination.PrefetchPages = 0
	cfg.Query.BatchTimeout = 20 * time.Millisecond
	cfg.Resources.MaxWaitTime = 50 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Configuration, src *memorySource) *Engine {
	t.Helper()
	e, err := New(cfg, WithSource(src.fetch, src.count))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(testConfig())
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))

	bad := testConfig()
	bad.Pagination.PageSize = 0
	_, err = New(bad, WithSource(newMemorySource(1).fetch, nil))
	assert.Error(t, err)
}

func TestFetchPageCachesResults(t *testing.T) {
	src := newMemorySource(30)
	e := newTestEngine(t, testConfig(), src)
	ctx := context.Background()

	res, err := e.FetchPage(ctx, pagination.Params{Page: 2, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, res.Records, 10)
	assert.Equal(t, 11, res.Records[0]["id"])
	assert.Equal(t, 30, res.TotalCount)
	assert.Equal(t, 3, res.TotalPages)

	fetches := src.fetches.Load()
	again, err := e.FetchPage(ctx, pagination.Params{Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, true, again.Metadata["cache_hit"])
	assert.Equal(t, fetches, src.fetches.Load())

	n, err := e.InvalidateData()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInvalidateDataRefreshesProviderCaches(t *testing.T) {
	for _, strategy := range []string{"offset", "virtual_scroll"} {
		t.Run(strategy, func(t *testing.T) {
			cfg := testConfig()
			cfg.Pagination.Strategy = strategy
			src := newMemorySource(25)
			e, err := New(cfg, WithSource(src.fetch, nil))
			require.NoError(t, err)
			t.Cleanup(func() { _ = e.Stop(context.Background()) })
			ctx := context.Background()
			page := pagination.Params{Page: 1, PageSize: 10}

			before, err := e.FetchPage(ctx, page)
			require.NoError(t, err)
			require.Equal(t, "row-1", before.Records[0]["name"])

			changed := []types.Record{{"id": 1, "name": "renamed"}}
			changed = append(changed, src.records[1:]...)
			for i := 26; i <= 30; i++ {
				changed = append(changed, types.Record{"id": i, "name": fmt.Sprintf("row-%d", i)})
			}
			src.records = changed

			_, err = e.InvalidateData()
			require.NoError(t, err)

			after, err := e.FetchPage(ctx, page)
			require.NoError(t, err)
			assert.Equal(t, "renamed", after.Records[0]["name"])
			if strategy == "offset" {
				assert.Equal(t, 30, after.TotalCount)
			} else {
				assert.Equal(t, false, after.Metadata["range_cache_hit"])
			}
		})
	}
}

func TestLookupCoalescesConcurrentCalls(t *testing.T) {
	src := newMemorySource(30)
	e := newTestEngine(t, testConfig(), src)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]types.Record, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Lookup(ctx, i+1)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, i+1, results[i]["id"])
	}
	assert.Equal(t, int64(1), src.lookups.Load())

	_, err := e.Lookup(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.lookups.Load(), "second lookup served from the record cache")

	_, err = e.Lookup(ctx, 999)
	assert.True(t, errors.IsNotFound(err))
}

func TestSourceCallsHoldConnectionSlot(t *testing.T) {
	cfg := testConfig()
	cfg.Resources.MaxConnections = 1
	src := newMemorySource(10)
	src.block = make(chan struct{})
	e := newTestEngine(t, cfg, src)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.FetchPage(ctx, pagination.Params{Page: 1, PageSize: 5})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return e.Resources().Connections().Usage().CurrentValue == 1
	}, time.Second, 5*time.Millisecond)

	_, err := e.Count(ctx, nil, "")
	assert.True(t, errors.IsCapacityExceeded(err))

	close(src.block)
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), e.Resources().Connections().Usage().CurrentValue)
}

func TestLifecycle(t *testing.T) {
	e := newTestEngine(t, testConfig(), newMemorySource(5))
	ctx := context.Background()
	h := e.Metrics().Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, e.Start(ctx))
	assert.True(t, errors.HasCode(e.Start(ctx), errors.ErrCodeAlreadyStarted))
	assert.Contains(t, e.Resources().Threads().Pools(), prefetchPool)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	snap := e.Metrics().Snapshot()
	for _, name := range []string{"records_cache", "loader", "pagination", "optimizer", "query_cache", "lookups", "resources", "engine"} {
		assert.Contains(t, snap, name)
	}

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.Error(t, e.Start(ctx))
}

func TestApplyReload(t *testing.T) {
	src := newMemorySource(5)
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	e, err := New(testConfig(), WithSource(src.fetch, src.count), WithLogLevel(level))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	old := e.Config()
	updated := old.Clone()
	updated.Query.BatchTimeout = 5 * time.Millisecond
	updated.Cache.DefaultTTL = time.Second
	updated.Monitoring.Logging.Level = "DEBUG"
	updated.Pagination.PrefetchPages = 3

	e.applyReload(old, updated)

	assert.Equal(t, 5*time.Millisecond, e.Config().Query.BatchTimeout)
	assert.Equal(t, 3, e.Config().Pagination.PrefetchPages)
	assert.Equal(t, zap.DebugLevel, level.Level())
	assert.Equal(t, 1.0, e.Metrics().Snapshot()["engine"]["config_reloads"])
}

func TestPanels(t *testing.T) {
	e := newTestEngine(t, testConfig(), newMemorySource(30))
	ctx := context.Background()

	require.NoError(t, e.RegisterPanel("totals", func(ctx context.Context, _ loader.LoadContext) (any, error) {
		return e.Count(ctx, nil, "")
	}))
	require.NoError(t, e.RegisterPanel("first-page", func(ctx context.Context, _ loader.LoadContext) (any, error) {
		res, err := e.FetchPage(ctx, pagination.Params{Page: 1, PageSize: 5})
		return len(res.Records), err
	}, loader.WithDependencies("totals")))

	v, err := e.LoadPanel(ctx, "first-page", loader.LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	item, ok := e.Loader().Item("totals")
	require.True(t, ok)
	assert.Equal(t, loader.StateLoaded, item.State)
}

func TestSQLSource(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE metrics (id INTEGER PRIMARY KEY, name TEXT, value REAL)`)
	require.NoError(t, err)
	for i := 1; i <= 25; i++ {
		_, err = db.Exec(`INSERT INTO metrics (id, name, value) VALUES (?, ?, ?)`, i, fmt.Sprintf("m%d", i), float64(i))
		require.NoError(t, err)
	}

	cfg := testConfig()
	cfg.Pagination.Strategy = "cursor"
	e, err := New(cfg, WithSQLSource(db, sqlsource.Config{
		Table:   "metrics",
		Columns: []string{"id", "name", "value"},
	}))
	require.NoError(t, err)
	defer e.Stop(context.Background())
	ctx := context.Background()

	var total int
	p := pagination.Params{PageSize: 10}
	for {
		res, err := e.FetchPage(ctx, p)
		require.NoError(t, err)
		total += len(res.Records)
		if !res.HasNext {
			break
		}
		p = p.WithCursor(res.NextCursor)
	}
	assert.Equal(t, 25, total)

	rec, err := e.Lookup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "m7", rec["name"])

	n, err := e.Count(ctx, map[string]any{"name": "m3"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, e.Metrics().Snapshot(), "source")
}

func TestSourceFailuresDegradeHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.Health.ErrorThreshold = 1
	cfg.Monitoring.Health.UnavailableThreshold = 2
	failing := func(context.Context, pagination.FetchRequest) ([]types.Record, error) {
		return nil, fmt.Errorf("connection reset")
	}
	e, err := New(cfg, WithSource(failing, nil))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	for i := 0; i < 2; i++ {
		_, err := e.FetchPage(context.Background(), pagination.Params{Page: i + 1, PageSize: 5})
		require.Error(t, err)
	}
	assert.Equal(t, health.StateUnavailable, e.Health().State(componentSource))

	rec := httptest.NewRecorder()
	e.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection reset")
}
