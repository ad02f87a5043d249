package pagination

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dashperf/dashperf/pkg/types"
)

// FetchRequest is what a provider asks of the data source.
type FetchRequest struct {
	Offset int
	// Limit <= 0 asks for every matching record.
	Limit int
	// After is the decoded cursor value; rows strictly after it in sort
	// order are wanted. Nil means start from the beginning.
	After         any
	SortKey       string
	SortDirection SortDirection
	Filters       map[string]any
	SearchText    string
}

// FetchFunc returns records for a request. It is supplied by the caller.
type FetchFunc func(ctx context.Context, req FetchRequest) ([]types.Record, error)

// CountFunc returns the number of records matching filters and search text.
type CountFunc func(ctx context.Context, filters map[string]any, searchText string) (int, error)

// Provider is one pagination strategy.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, p Params) (Result, error)
}

// Invalidator is implemented by providers that keep their own caches.
// Pattern is a regular expression over the provider's cache keys; an empty
// pattern clears everything.
type Invalidator interface {
	Invalidate(pattern string) (int, error)
}

// Strategy names.
const (
	StrategyOffset   = "offset"
	StrategyCursor   = "cursor"
	StrategyVirtual  = "virtual_scroll"
	StrategyAdaptive = "adaptive"
)

// providerStats is embedded by every provider.
type providerStats struct {
	requests  atomic.Int64
	errors    atomic.Int64
	latencyNs atomic.Int64
	cacheHits atomic.Int64
}

func (s *providerStats) observe(start time.Time, err error) {
	s.requests.Add(1)
	s.latencyNs.Add(int64(time.Since(start)))
	if err != nil {
		s.errors.Add(1)
	}
}

// Statistics implements types.StatsProvider.
func (s *providerStats) Statistics() map[string]float64 {
	requests := s.requests.Load()
	avg := 0.0
	if requests > 0 {
		avg = float64(s.latencyNs.Load()) / float64(requests) / float64(time.Millisecond)
	}
	return map[string]float64{
		"requests":       float64(requests),
		"errors":         float64(s.errors.Load()),
		"avg_latency_ms": avg,
		"cache_hits":     float64(s.cacheHits.Load()),
	}
}
