package cache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// Config represents cache configuration
type Config struct {
	// MaxSize is the entry count ceiling.
	MaxSize int
	// DefaultTTL applies when Set is called with a zero TTL. Negative means no expiry.
	DefaultTTL time.Duration
	// ThreadSafe guards every operation with a mutex. When false a no-op
	// locker is used and the caller owns synchronisation.
	ThreadSafe bool
	// CleanupInterval drives the janitor started by StartJanitor.
	CleanupInterval time.Duration
}

// Observer receives cache events. Implementations must be cheap and non-blocking.
type Observer interface {
	OnHit()
	OnMiss()
	OnEviction()
	OnInvalidation(n int)
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock    types.Clock
	logger   *zap.Logger
	observer Observer
	name     string
}

// WithClock overrides the time source.
func WithClock(clock types.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver registers an event observer.
func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

// WithName names the cache in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// cachedClock reads the process-wide cached clock.
type cachedClock struct{}

func (cachedClock) Now() time.Time { return time.Unix(0, timecache.CachedTimeNano()) }

// DefaultClock returns the cached clock used when no clock is supplied.
func DefaultClock() types.Clock { return cachedClock{} }

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// entry represents an item in the cache
type entry[V any] struct {
	key            string
	value          V
	createdAt      time.Time
	expiresAt      time.Time // zero means no expiry
	lastAccessedAt time.Time
	accessCount    int64
	element        *list.Element
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a bounded TTL cache with least-recently-used eviction.
type Cache[V any] struct {
	mu        sync.Locker
	items     map[string]*entry[V]
	evictList *list.List // front = most recently used

	maxSize  int
	interval time.Duration
	// defaultTTL holds a time.Duration; it changes on reload while Set runs.
	defaultTTL atomic.Int64

	clock    types.Clock
	logger   *zap.Logger
	observer Observer

	stats types.CacheStats

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

// New creates a cache. A MaxSize below one is raised to one.
func New[V any](cfg Config, opts ...Option) *Cache[V] {
	o := options{clock: DefaultClock(), name: "cache"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}

	var locker sync.Locker = noopLocker{}
	if cfg.ThreadSafe {
		locker = &sync.Mutex{}
	}

	c := &Cache[V]{
		mu:        locker,
		items:     make(map[string]*entry[V], cfg.MaxSize),
		evictList: list.New(),
		maxSize:   cfg.MaxSize,
		interval:  cfg.CleanupInterval,
		clock:     o.clock,
		logger:    o.logger.Named(o.name),
		observer:  o.observer,
		stats:     types.CacheStats{MaxSize: cfg.MaxSize},
		stopCh:    make(chan struct{}),
	}
	c.defaultTTL.Store(int64(cfg.DefaultTTL))
	return c
}

// Get retrieves a live value. Expired entries are removed and count as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && e.expired(now) {
		c.removeEntry(e)
		ok = false
	}
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		c.notify(func(o Observer) { o.OnMiss() })
		var zero V
		return zero, false
	}

	e.lastAccessedAt = now
	e.accessCount++
	c.evictList.MoveToFront(e.element)
	c.stats.Hits++
	value := e.value
	c.mu.Unlock()

	c.notify(func(o Observer) { o.OnHit() })
	return value, true
}

// Set stores a value. A zero ttl uses the default TTL. Adding a new key to a
// full cache evicts the least recently accessed entry; updating an existing
// key never evicts.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	now := c.clock.Now()
	if ttl == 0 {
		ttl = time.Duration(c.defaultTTL.Load())
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	evicted := false

	c.mu.Lock()
	c.stats.Sets++
	if e, ok := c.items[key]; ok {
		e.value = value
		e.createdAt = now
		e.expiresAt = expiresAt
		e.lastAccessedAt = now
		c.evictList.MoveToFront(e.element)
		c.mu.Unlock()
		return
	}

	if len(c.items) >= c.maxSize {
		if back := c.evictList.Back(); back != nil {
			c.removeEntry(back.Value.(*entry[V]))
			c.stats.Evictions++
			evicted = true
		}
	}

	e := &entry[V]{
		key:            key,
		value:          value,
		createdAt:      now,
		expiresAt:      expiresAt,
		lastAccessedAt: now,
	}
	e.element = c.evictList.PushFront(e)
	c.items[key] = e
	c.mu.Unlock()

	if evicted {
		c.notify(func(o Observer) { o.OnEviction() })
	}
}

// Delete removes a single key.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if ok {
		c.removeEntry(e)
	}
	return ok
}

// Invalidate removes every key matching pattern, or all keys when pattern is
// empty. An invalid pattern removes nothing.
func (c *Cache[V]) Invalidate(pattern string) (int, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return 0, errors.NewValidation("pattern", err.Error())
		}
	}

	c.mu.Lock()
	removed := 0
	for key, e := range c.items {
		if re == nil || re.MatchString(key) {
			c.removeEntry(e)
			removed++
		}
	}
	c.stats.Invalidations += uint64(removed)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("invalidated entries", zap.String("pattern", pattern), zap.Int("count", removed))
		c.notify(func(o Observer) { o.OnInvalidation(removed) })
	}
	return removed, nil
}

// CleanupExpired removes every expired entry and returns how many were dropped.
func (c *Cache[V]) CleanupExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.items {
		if e.expired(now) {
			c.removeEntry(e)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns live keys from most to least recently used.
func (c *Cache[V]) Keys() []string {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for el := c.evictList.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[V])
		if !e.expired(now) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache[V]) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.CurrentSize = len(c.items)
	s.HitRatePercent = types.HitRate(s.Hits, s.Misses)
	return s
}

// Statistics implements types.StatsProvider.
func (c *Cache[V]) Statistics() map[string]float64 {
	return c.Stats().AsMap()
}

// SetDefaultTTL changes the TTL applied by later Set calls with a zero ttl.
// Existing entries keep their expiry.
func (c *Cache[V]) SetDefaultTTL(ttl time.Duration) {
	c.defaultTTL.Store(int64(ttl))
}

// StartJanitor removes expired entries every CleanupInterval until ctx is
// done or Close is called. It is a no-op without a positive interval.
func (c *Cache[V]) StartJanitor(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.janitor(ctx)
	})
}

// Close stops the janitor and waits for it to exit.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache[V]) janitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.CleanupExpired(); n > 0 {
				c.logger.Debug("removed expired entries", zap.Int("count", n))
			}
		}
	}
}

// removeEntry must be called with the lock held.
func (c *Cache[V]) removeEntry(e *entry[V]) {
	c.evictList.Remove(e.element)
	delete(c.items, e.key)
}

func (c *Cache[V]) notify(fn func(Observer)) {
	if c.observer != nil {
		fn(c.observer)
	}
}
