package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dashperf/dashperf/internal/cache"
)

type cacheObserver struct {
	hits, misses, evictions, invalidations prometheus.Counter
}

// CacheObserver returns a cache.Observer counting events for the named cache.
func (c *Collector) CacheObserver(name string) cache.Observer {
	return &cacheObserver{
		hits:          c.cacheEvents.WithLabelValues(name, "hit"),
		misses:        c.cacheEvents.WithLabelValues(name, "miss"),
		evictions:     c.cacheEvents.WithLabelValues(name, "eviction"),
		invalidations: c.cacheEvents.WithLabelValues(name, "invalidation"),
	}
}

func (o *cacheObserver) OnHit()      { o.hits.Inc() }
func (o *cacheObserver) OnMiss()     { o.misses.Inc() }
func (o *cacheObserver) OnEviction() { o.evictions.Inc() }

func (o *cacheObserver) OnInvalidation(n int) {
	if n > 0 {
		o.invalidations.Add(float64(n))
	}
}
