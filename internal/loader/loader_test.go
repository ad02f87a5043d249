package loader

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashperf/dashperf/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func constant(v any) LoaderFunc {
	return func(context.Context, LoadContext) (any, error) { return v, nil }
}

func TestLoadItemCachesValue(t *testing.T) {
	var calls atomic.Int32
	l := New()
	require.NoError(t, l.RegisterItem("chart", func(context.Context, LoadContext) (any, error) {
		calls.Add(1)
		return "data", nil
	}))

	for i := 0; i < 3; i++ {
		v, err := l.LoadItem(context.Background(), "chart", LoadContext{})
		require.NoError(t, err)
		assert.Equal(t, "data", v)
	}
	assert.Equal(t, int32(1), calls.Load())

	info, ok := l.Item("chart")
	require.True(t, ok)
	assert.Equal(t, StateLoaded, info.State)
	assert.Equal(t, 1, info.LoadCount)
	assert.Equal(t, 2.0, l.Statistics()["cache_hits"])
}

func TestLoadItemUnknownKey(t *testing.T) {
	l := New()
	_, err := l.LoadItem(context.Background(), "missing", LoadContext{})
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	l := New()
	require.NoError(t, l.RegisterItem("kpi", func(context.Context, LoadContext) (any, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}))

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.LoadItem(context.Background(), "kpi", LoadContext{})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestSingleFlightSharesError(t *testing.T) {
	var calls atomic.Int32
	cause := stderr.New("warehouse down")
	release := make(chan struct{})
	l := New()
	require.NoError(t, l.RegisterItem("kpi", func(context.Context, LoadContext) (any, error) {
		calls.Add(1)
		<-release
		return nil, cause
	}))

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.LoadItem(context.Background(), "kpi", LoadContext{})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.True(t, errors.IsUpstreamFailure(err))
	}

	info, _ := l.Item("kpi")
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, cause, info.LastError)
}

func TestFailedItemRetriedOnNextLoad(t *testing.T) {
	var calls atomic.Int32
	l := New()
	require.NoError(t, l.RegisterItem("flaky", func(context.Context, LoadContext) (any, error) {
		if calls.Add(1) == 1 {
			return nil, stderr.New("transient")
		}
		return "ok", nil
	}))

	_, err := l.LoadItem(context.Background(), "flaky", LoadContext{})
	require.Error(t, err)

	v, err := l.LoadItem(context.Background(), "flaky", LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDependenciesLoadFirst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(key string) LoaderFunc {
		return func(context.Context, LoadContext) (any, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return key, nil
		}
	}

	l := New()
	require.NoError(t, l.RegisterItem("filters", record("filters")))
	require.NoError(t, l.RegisterItem("dataset", record("dataset"), WithDependencies("filters")))
	require.NoError(t, l.RegisterItem("chart", record("chart"), WithDependencies("dataset", "filters")))

	_, err := l.LoadItem(context.Background(), "chart", LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"filters", "dataset", "chart"}, order)
}

func TestDependencyFailureFailsDependent(t *testing.T) {
	var chartCalls atomic.Int32
	l := New()
	require.NoError(t, l.RegisterItem("dataset", func(context.Context, LoadContext) (any, error) {
		return nil, stderr.New("no data")
	}))
	require.NoError(t, l.RegisterItem("chart", func(context.Context, LoadContext) (any, error) {
		chartCalls.Add(1)
		return "chart", nil
	}, WithDependencies("dataset")))

	_, err := l.LoadItem(context.Background(), "chart", LoadContext{})
	require.Error(t, err)
	assert.True(t, errors.IsUpstreamFailure(err))
	assert.Zero(t, chartCalls.Load())

	info, _ := l.Item("chart")
	assert.Equal(t, StateFailed, info.State)
}

func TestRegisterRejectsCyclesAndUnknownDependencies(t *testing.T) {
	l := New()

	err := l.RegisterItem("a", constant(1), WithDependencies("missing"))
	assert.True(t, errors.IsNotFound(err))

	err = l.RegisterItem("a", constant(1), WithDependencies("a"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeDependencyCycle))

	require.NoError(t, l.RegisterItem("a", constant(1)))
	require.NoError(t, l.RegisterItem("b", constant(2), WithDependencies("a")))
	require.NoError(t, l.RegisterItem("c", constant(3), WithDependencies("b")))

	// re-registering a on top of c would close a -> c -> b -> a
	err = l.RegisterItem("a", constant(1), WithDependencies("c"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeDependencyCycle))

	info, _ := l.Item("a")
	assert.Empty(t, info.Dependencies, "rejected registration leaves the item unchanged")

	assert.True(t, errors.IsValidation(l.RegisterItem("", constant(1))))
	assert.True(t, errors.IsValidation(l.RegisterItem("x", nil)))
}

func TestTTLMarksItemStale(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	l := New(WithClock(clock))
	require.NoError(t, l.RegisterItem("table", func(context.Context, LoadContext) (any, error) {
		return calls.Add(1), nil
	}, WithTTL(time.Minute)))

	v, err := l.LoadItem(context.Background(), "table", LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	clock.Advance(2 * time.Minute)
	info, _ := l.Item("table")
	assert.Equal(t, StateStale, info.State)

	v, err = l.LoadItem(context.Background(), "table", LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}

func TestInvalidate(t *testing.T) {
	l := New()
	require.NoError(t, l.RegisterItem("a", constant(1)))
	require.NoError(t, l.RegisterItem("b", constant(2)))
	_, _ = l.LoadItem(context.Background(), "a", LoadContext{})
	_, _ = l.LoadItem(context.Background(), "b", LoadContext{})

	require.NoError(t, l.Invalidate("a"))
	info, _ := l.Item("a")
	assert.Equal(t, StateStale, info.State)

	assert.True(t, errors.IsNotFound(l.Invalidate("zzz")))
	assert.Equal(t, 1, l.InvalidateAll())
	assert.Equal(t, 0, l.InvalidateAll())
}

func TestWaiterTimeoutDoesNotAbortLoad(t *testing.T) {
	release := make(chan struct{})
	l := New()
	require.NoError(t, l.RegisterItem("slow", func(context.Context, LoadContext) (any, error) {
		<-release
		return "late", nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.LoadItem(ctx, "slow", LoadContext{})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))

	close(release)
	assert.Eventually(t, func() bool {
		info, _ := l.Item("slow")
		return info.State == StateLoaded
	}, time.Second, 5*time.Millisecond)
}

func TestLoadTimeoutBoundsWait(t *testing.T) {
	l := New(WithLoadTimeout(10 * time.Millisecond))
	require.NoError(t, l.RegisterItem("stuck", func(ctx context.Context, _ LoadContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := l.LoadItem(context.Background(), "stuck", LoadContext{})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err) || errors.IsUpstreamFailure(err))
}

func TestPanickingLoaderFails(t *testing.T) {
	l := New()
	require.NoError(t, l.RegisterItem("boom", func(context.Context, LoadContext) (any, error) {
		panic("bad chart")
	}))

	_, err := l.LoadItem(context.Background(), "boom", LoadContext{})
	require.Error(t, err)
	info, _ := l.Item("boom")
	assert.Equal(t, StateFailed, info.State)
	assert.True(t, errors.HasCode(info.LastError, errors.ErrCodePanicRecovered))
}

func TestCPUBoundLoadsAreLimited(t *testing.T) {
	var running, peak atomic.Int32
	l := New(WithCPUBoundLimit(1), WithMaxConcurrentLoads(4), WithStrategy(alwaysStrategy{}))
	for i := 0; i < 4; i++ {
		require.NoError(t, l.RegisterItem(fmt.Sprintf("agg-%d", i), func(context.Context, LoadContext) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}, WithCPUBound()))
	}

	keys, err := l.PreloadItems(context.Background(), LoadContext{})
	require.NoError(t, err)
	assert.Len(t, keys, 4)
	assert.Equal(t, int32(1), peak.Load())
}

type alwaysStrategy struct{}

func (alwaysStrategy) Name() string                              { return "always" }
func (alwaysStrategy) ShouldLoad(ItemInfo, LoadContext) bool      { return true }
func (alwaysStrategy) Priority(i ItemInfo, _ LoadContext) float64 { return float64(i.Priority) }

func TestPreloadOrdersByPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(key string) LoaderFunc {
		return func(context.Context, LoadContext) (any, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return nil, nil
		}
	}

	l := New(WithStrategy(alwaysStrategy{}), WithMaxConcurrentLoads(1))
	require.NoError(t, l.RegisterItem("low", record("low"), WithPriority(1)))
	require.NoError(t, l.RegisterItem("high", record("high"), WithPriority(10)))
	require.NoError(t, l.RegisterItem("mid", record("mid"), WithPriority(5)))

	keys, err := l.PreloadItems(context.Background(), LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid", "low"}, keys)
	assert.Equal(t, []string{"high", "mid", "low"}, order)

	keys, err = l.PreloadItems(context.Background(), LoadContext{})
	require.NoError(t, err)
	assert.Empty(t, keys, "loaded items are not preloaded again")
}

func TestPreloadRecordsFailures(t *testing.T) {
	l := New(WithStrategy(alwaysStrategy{}))
	require.NoError(t, l.RegisterItem("ok", constant(1)))
	require.NoError(t, l.RegisterItem("bad", func(context.Context, LoadContext) (any, error) {
		return nil, stderr.New("nope")
	}))

	keys, err := l.PreloadItems(context.Background(), LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, keys)

	info, _ := l.Item("bad")
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, 1.0, l.Statistics()["items_failed"])
}

func TestOnDemandStrategyPreloadsNothing(t *testing.T) {
	l := New()
	require.NoError(t, l.RegisterItem("a", constant(1)))

	keys, err := l.PreloadItems(context.Background(), LoadContext{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestViewportPreload(t *testing.T) {
	l := New(WithStrategy(ViewportStrategy{Margin: 100}), WithMaxConcurrentLoads(1))
	require.NoError(t, l.RegisterItem("visible", constant(1), WithPosition(100, 200)))
	require.NoError(t, l.RegisterItem("near", constant(2), WithPosition(850, 100)))
	require.NoError(t, l.RegisterItem("far", constant(3), WithPosition(5000, 100)))
	require.NoError(t, l.RegisterItem("unplaced", constant(4)))

	keys, err := l.PreloadItems(context.Background(), LoadContext{Viewport: &Viewport{Top: 0, Height: 800}})
	require.NoError(t, err)
	assert.Equal(t, []string{"visible", "near"}, keys)
}

func TestPredictivePreload(t *testing.T) {
	s := NewPredictiveStrategy(10, 0.3, nil)
	l := New(WithStrategy(s))
	require.NoError(t, l.RegisterItem("hot", constant(1)))
	require.NoError(t, l.RegisterItem("cold", constant(2)))

	for i := 0; i < 4; i++ {
		_, _ = l.LoadItem(context.Background(), "hot", LoadContext{})
	}
	_, _ = l.LoadItem(context.Background(), "cold", LoadContext{})
	l.InvalidateAll()

	keys, err := l.PreloadItems(context.Background(), LoadContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hot"}, keys)
}
