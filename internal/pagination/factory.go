package pagination

import (
	"github.com/dashperf/dashperf/internal/circuit"
	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/pkg/errors"
)

// NewProvider builds the provider selected by cfg.Strategy. For "adaptive"
// the three concrete strategies are built and wrapped, with offset as the
// default and one circuit breaker per strategy.
func NewProvider(cfg config.PaginationConfig, fetch FetchFunc, count CountFunc, opts ...Option) (Provider, error) {
	if fetch == nil {
		return nil, errors.NewValidation("fetch", "fetch function is required")
	}

	opts = append([]Option{
		WithCache(cfg.MaxCacheEntries, cfg.CacheTTL),
		WithMaxPageSize(cfg.MaxPageSize),
	}, opts...)

	offset := func() Provider { return NewOffsetProvider(fetch, count, cfg.PageSize, opts...) }
	cursor := func() Provider { return NewCursorProvider(fetch, cfg.CursorField, cfg.PageSize, opts...) }
	virtual := func() Provider {
		return NewVirtualScrollProvider(fetch, count, VirtualConfig{
			ItemHeight:      float64(cfg.ItemHeight),
			ContainerHeight: float64(cfg.ContainerHeight),
			BufferSize:      cfg.BufferSize,
		}, cfg.PageSize, opts...)
	}

	switch cfg.Strategy {
	case StrategyOffset, "":
		return offset(), nil
	case StrategyCursor:
		return cursor(), nil
	case StrategyVirtual:
		return virtual(), nil
	case StrategyAdaptive:
		breakers := circuit.NewManager(circuit.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Timeout:          cfg.BreakerTimeout,
		})
		return NewAdaptiveProvider(AdaptiveConfig{
			Default:                StrategyOffset,
			LongSearchThreshold:    cfg.LongSearchThreshold,
			LargePageSizeThreshold: cfg.LargePageSizeThreshold,
			HysteresisMargin:       cfg.HysteresisMargin,
			LatencyWindow:          cfg.LatencyWindow,
		}, breakers, []Provider{offset(), cursor(), virtual()}, opts...)
	default:
		return nil, errors.NewValidation("pagination.strategy", "unknown strategy "+cfg.Strategy)
	}
}

// NewCachedFromConfig builds the configured provider and wraps it with the
// result cache and prefetcher.
func NewCachedFromConfig(cfg config.PaginationConfig, fetch FetchFunc, count CountFunc, opts ...Option) (*CachedProvider, error) {
	inner, err := NewProvider(cfg, fetch, count, opts...)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithCache(cfg.MaxCacheEntries, cfg.CacheTTL)}, opts...)
	return NewCachedProvider(inner, PrefetchConfig{
		Pages:     cfg.PrefetchPages,
		Delay:     cfg.PrefetchDelay,
		Workers:   cfg.PrefetchWorkers,
		QueueSize: cfg.PrefetchQueueSize,
		Retries:   cfg.PrefetchRetries,
	}, opts...), nil
}
