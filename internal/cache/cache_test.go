package cache

import (
	"context"
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type countingObserver struct {
	hits, misses, evictions, invalidations atomic.Int64
}

func (o *countingObserver) OnHit()               { o.hits.Add(1) }
func (o *countingObserver) OnMiss()              { o.misses.Add(1) }
func (o *countingObserver) OnEviction()          { o.evictions.Add(1) }
func (o *countingObserver) OnInvalidation(n int) { o.invalidations.Add(int64(n)) }

func newTestCache(maxSize int, ttl time.Duration, clock *fakeClock) *Cache[string] {
	return New[string](Config{MaxSize: maxSize, DefaultTTL: ttl, ThreadSafe: true}, WithClock(clock))
}

func TestSetThenGet(t *testing.T) {
	c := newTestCache(10, time.Minute, newFakeClock())

	c.Set("a", "1", 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Sets)
	assert.InDelta(t, 50.0, stats.HitRatePercent, 1e-9)
}

func TestEvictsLeastRecentlyAccessed(t *testing.T) {
	c := newTestCache(2, time.Minute, newFakeClock())

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", "3", 0)

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently accessed")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestUpdateExistingKeyDoesNotEvict(t *testing.T) {
	c := newTestCache(2, time.Minute, newFakeClock())

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("a", "updated", 0)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	v, _ := c.Get("a")
	assert.Equal(t, "updated", v)
}

func TestSizeNeverExceedsMax(t *testing.T) {
	c := newTestCache(5, time.Minute, newFakeClock())
	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", 0)
		assert.LessOrEqual(t, c.Len(), 5)
	}
	assert.Equal(t, uint64(45), c.Stats().Evictions)
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(10, time.Minute, clock)

	c.Set("short", "v", time.Second)
	c.Set("default", "v", 0)

	clock.Advance(time.Second)
	_, ok := c.Get("short")
	assert.True(t, ok, "entry is live at exactly expiresAt")

	clock.Advance(time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entry removed on read")

	clock.Advance(time.Minute)
	_, ok = c.Get("default")
	assert.False(t, ok)
}

func TestNegativeDefaultTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(10, -1, clock)

	c.Set("forever", "v", 0)
	clock.Advance(24 * 365 * time.Hour)
	_, ok := c.Get("forever")
	assert.True(t, ok)
}

func TestSetDefaultTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(10, time.Minute, clock)

	c.Set("old", "v", 0)
	c.SetDefaultTTL(time.Second)
	c.Set("new", "v", 0)

	clock.Advance(2 * time.Second)
	_, ok := c.Get("new")
	assert.False(t, ok)
	_, ok = c.Get("old")
	assert.True(t, ok, "existing entries keep their expiry")
}

func TestSetDefaultTTLConcurrentWithSet(t *testing.T) {
	c := newTestCache(16, time.Minute, newFakeClock())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.Set(fmt.Sprintf("k%d", i%32), fmt.Sprint(i), 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.SetDefaultTTL(time.Duration(i+1) * time.Second)
		}
	}()
	wg.Wait()

	c.SetDefaultTTL(time.Hour)
	c.Set("last", "1", 0)
	_, ok := c.Get("last")
	assert.True(t, ok)
	assert.LessOrEqual(t, c.Len(), 16)
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(10, time.Minute, newFakeClock())
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		c.Set(k, "v", 0)
	}

	n, err := c.Invalidate("^user:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"order:1"}, c.Keys())

	n, err = c.Invalidate("^user:")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second invalidation is a no-op")

	n, err = c.Invalidate("")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(3), c.Stats().Invalidations)
}

func TestInvalidateRejectsBadPattern(t *testing.T) {
	c := newTestCache(10, time.Minute, newFakeClock())
	c.Set("a", "v", 0)

	n, err := c.Invalidate("([")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, c.Len())
}

func TestCleanupExpired(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(10, time.Second, clock)
	c.Set("a", "v", 0)
	c.Set("b", "v", time.Hour)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, []string{"b"}, c.Keys())
}

func TestKeysOrderedByRecency(t *testing.T) {
	c := newTestCache(10, time.Minute, newFakeClock())
	c.Set("a", "v", 0)
	c.Set("b", "v", 0)
	c.Set("c", "v", 0)
	c.Get("a")

	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	c := New[int](Config{MaxSize: 1, DefaultTTL: time.Minute, ThreadSafe: true},
		WithClock(newFakeClock()), WithObserver(obs))

	c.Set("a", 1, 0)
	c.Get("a")
	c.Get("b")
	c.Set("b", 2, 0)
	_, _ = c.Invalidate("")

	assert.Equal(t, int64(1), obs.hits.Load())
	assert.Equal(t, int64(1), obs.misses.Load())
	assert.Equal(t, int64(1), obs.evictions.Load())
	assert.Equal(t, int64(1), obs.invalidations.Load())
}

func TestStatisticsMap(t *testing.T) {
	c := newTestCache(3, time.Minute, newFakeClock())
	c.Set("a", "v", 0)
	c.Get("a")

	m := c.Statistics()
	assert.Equal(t, 1.0, m["hits"])
	assert.Equal(t, 1.0, m["current_size"])
	assert.Equal(t, 3.0, m["max_size"])
	assert.Equal(t, 100.0, m["hit_rate_percent"])
}

func TestNonThreadSafeMode(t *testing.T) {
	c := New[string](Config{MaxSize: 2, DefaultTTL: time.Minute}, WithClock(newFakeClock()))
	c.Set("a", "v", 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](Config{MaxSize: 64, DefaultTTL: time.Minute, ThreadSafe: true})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%100)
				c.Set(key, i, 0)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
	stats := c.Stats()
	assert.Equal(t, uint64(4000), stats.Sets)
	assert.Equal(t, uint64(4000), stats.Hits+stats.Misses)
}

func TestJanitor(t *testing.T) {
	clock := newFakeClock()
	c := New[string](Config{MaxSize: 10, DefaultTTL: time.Second, ThreadSafe: true, CleanupInterval: 5 * time.Millisecond},
		WithClock(clock))
	c.Set("a", "v", 0)
	clock.Advance(2 * time.Second)

	c.StartJanitor(context.Background())
	defer c.Close()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseWithoutJanitor(t *testing.T) {
	c := newTestCache(1, time.Minute, newFakeClock())
	c.Close()
	c.Close()
}
