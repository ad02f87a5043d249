package pagination

import (
	"time"

	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/pkg/types"
)

// Option configures a provider.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	clock       types.Clock
	cacheTTL    time.Duration
	cacheSize   int
	maxPageSize int
	observer    cache.Observer
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		cacheSize:   100,
		cacheTTL:    2 * time.Minute,
		maxPageSize: 1000,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// WithLogger sets the provider logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source of internal caches.
func WithClock(clock types.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithCache sizes the provider's internal cache.
func WithCache(maxEntries int, ttl time.Duration) Option {
	return func(o *options) {
		if maxEntries > 0 {
			o.cacheSize = maxEntries
		}
		o.cacheTTL = ttl
	}
}

// WithMaxPageSize caps requested page sizes.
func WithMaxPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPageSize = n
		}
	}
}

// WithCacheObserver forwards internal cache events, typically to metrics.
func WithCacheObserver(observer cache.Observer) Option {
	return func(o *options) { o.observer = observer }
}

func newCache[V any](name string, o options) *cache.Cache[V] {
	cacheOpts := []cache.Option{cache.WithName(name), cache.WithLogger(o.logger)}
	if o.clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(o.clock))
	}
	if o.observer != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(o.observer))
	}
	return cache.New[V](cache.Config{
		MaxSize:    o.cacheSize,
		DefaultTTL: o.cacheTTL,
		ThreadSafe: true,
	}, cacheOpts...)
}

func (o options) clampPageSize(p Params) Params {
	if o.maxPageSize > 0 && p.PageSize > o.maxPageSize {
		p.PageSize = o.maxPageSize
	}
	return p
}
