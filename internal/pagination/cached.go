package pagination

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/internal/worker"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/retry"
	"github.com/dashperf/dashperf/pkg/types"
)

// PrefetchConfig controls background fetching of adjacent pages.
type PrefetchConfig struct {
	// Pages is how many pages on each side of a served page are prefetched.
	Pages int
	// Delay spaces consecutive prefetches across all workers.
	Delay     time.Duration
	Workers   int
	QueueSize int
	// Retries bounds the attempts per prefetch, the first included.
	Retries int
}

// CachedProvider serves repeated requests from a result cache and warms the
// cache with the pages adjacent to each request.
type CachedProvider struct {
	providerStats

	inner    Provider
	results  *cache.Cache[Result]
	pool     *worker.Pool[Params]
	retryer  *retry.Retryer
	prefetch PrefetchConfig
	logger   *zap.Logger

	prefetched atomic.Int64
	rejected   atomic.Int64
}

// NewCachedProvider wraps inner with a result cache and a prefetch worker.
// Prefetching only runs between Start and Stop.
func NewCachedProvider(inner Provider, prefetch PrefetchConfig, opts ...Option) *CachedProvider {
	o := applyOptions(opts)
	if prefetch.Retries < 1 {
		prefetch.Retries = 1
	}
	logger := o.logger.Named("cached")

	cp := &CachedProvider{
		inner:    inner,
		results:  newCache[Result]("pagination_results", o),
		prefetch: prefetch,
		logger:   logger,
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = prefetch.Retries
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying prefetch", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	cp.retryer = retry.New(rc)

	cp.pool = worker.NewPool[Params]("prefetch", prefetch.Workers, prefetch.QueueSize, cp.runPrefetch,
		worker.WithLogger[Params](logger),
		worker.WithPacing[Params](prefetch.Delay))
	return cp
}

// Name implements Provider.
func (cp *CachedProvider) Name() string { return cp.inner.Name() }

// Start launches the prefetch worker.
func (cp *CachedProvider) Start(ctx context.Context) error {
	return cp.pool.Start(ctx)
}

// Stop drains pending prefetches, waiting at most timeout.
func (cp *CachedProvider) Stop(timeout time.Duration) error {
	return cp.pool.Stop(timeout)
}

// Fetch implements Provider.
func (cp *CachedProvider) Fetch(ctx context.Context, p Params) (res Result, err error) {
	started := time.Now()
	defer func() { cp.observe(started, err) }()

	key := p.CacheKey()
	if cached, ok := cp.results.Get(key); ok {
		cp.cacheHits.Add(1)
		res = cached.clone()
		res.setMeta("cache_hit", true)
		cp.schedulePrefetch(p, cached)
		return res, nil
	}

	res, err = cp.inner.Fetch(ctx, p)
	if err != nil {
		return Result{}, err
	}
	cp.results.Set(key, res.clone(), 0)
	cp.schedulePrefetch(p, res)
	return res, nil
}

// neighbours lists the requests adjacent to p that are not yet cached.
func (cp *CachedProvider) neighbours(p Params, res Result) []Params {
	var out []Params
	if cp.prefetch.Pages <= 0 {
		return out
	}

	if p.Cursor != "" || res.NextCursor != "" {
		// Cursor pages can only be walked forward one step at a time.
		if res.HasNext && res.NextCursor != "" {
			out = append(out, p.WithCursor(res.NextCursor))
		}
	} else {
		page := p.Page
		if page < 1 {
			page = 1
		}
		if p.Offset > 0 && res.Page > 0 {
			page = res.Page
		}
		for i := 1; i <= cp.prefetch.Pages; i++ {
			next := page + i
			if res.TotalPages >= 0 && next > res.TotalPages {
				break
			}
			if res.TotalPages < 0 && (i > 1 || !res.HasNext) {
				break
			}
			out = append(out, p.WithPage(next))
		}
		for i := 1; i <= cp.prefetch.Pages && page-i >= 1; i++ {
			out = append(out, p.WithPage(page-i))
		}
	}

	filtered := out[:0]
	for _, q := range out {
		if _, ok := cp.results.Get(q.CacheKey()); !ok {
			filtered = append(filtered, q)
		}
	}
	return filtered
}

func (cp *CachedProvider) schedulePrefetch(p Params, res Result) {
	for _, q := range cp.neighbours(p, res) {
		if err := cp.pool.Submit(q); err != nil {
			if errors.HasCode(err, errors.ErrCodeQueueFull) {
				cp.rejected.Add(1)
			}
			cp.logger.Debug("prefetch not scheduled", zap.String("key", q.CacheKey()), zap.Error(err))
		}
	}
}

func (cp *CachedProvider) runPrefetch(ctx context.Context, p Params) error {
	key := p.CacheKey()
	if _, ok := cp.results.Get(key); ok {
		return nil
	}
	return cp.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		res, err := cp.inner.Fetch(ctx, p)
		if err != nil {
			return err
		}
		cp.results.Set(key, res.clone(), 0)
		cp.prefetched.Add(1)
		return nil
	})
}

// Invalidate drops cached results whose key matches pattern, then forwards
// pattern to the inner provider's caches. An empty pattern clears everything.
func (cp *CachedProvider) Invalidate(pattern string) (int, error) {
	n, err := cp.results.Invalidate(pattern)
	if err != nil {
		return n, err
	}
	if inv, ok := cp.inner.(Invalidator); ok {
		m, err := inv.Invalidate(pattern)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Statistics implements types.StatsProvider.
func (cp *CachedProvider) Statistics() map[string]float64 {
	stats := cp.providerStats.Statistics()
	stats["prefetched"] = float64(cp.prefetched.Load())
	stats["prefetch_rejected"] = float64(cp.rejected.Load())
	for k, v := range cp.results.Statistics() {
		stats["result_cache_"+k] = v
	}
	for k, v := range cp.pool.Statistics() {
		stats["prefetch_"+k] = v
	}
	if sp, ok := cp.inner.(types.StatsProvider); ok {
		for k, v := range sp.Statistics() {
			stats[cp.inner.Name()+"_"+k] = v
		}
	}
	return stats
}
