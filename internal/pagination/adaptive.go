package pagination

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/circuit"
	"github.com/dashperf/dashperf/pkg/errors"
)

// AdaptiveConfig tunes strategy selection.
type AdaptiveConfig struct {
	// Default receives requests no rule or measurement claims, and every retry.
	Default string
	// LongSearchThreshold routes search texts longer than this to cursor paging.
	LongSearchThreshold int
	// LargePageSizeThreshold routes page sizes at or above this to virtual scroll.
	LargePageSizeThreshold int
	// HysteresisMargin is the relative latency gain required to switch strategy.
	HysteresisMargin float64
	// LatencyWindow is the number of samples in each rolling average.
	LatencyWindow int
}

// latencyWindow is a fixed-size ring of latency samples.
type latencyWindow struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyWindow(size int) *latencyWindow {
	if size < 1 {
		size = 1
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *latencyWindow) count() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *latencyWindow) average() time.Duration {
	n := w.count()
	if n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(n)
}

// AdaptiveProvider routes each request to one of several strategies, by rule
// where a rule applies and otherwise by measured latency.
type AdaptiveProvider struct {
	providerStats

	cfg       AdaptiveConfig
	providers map[string]Provider
	order     []string
	breakers  *circuit.Manager
	logger    *zap.Logger

	mu        sync.Mutex
	current   string
	latencies map[string]*latencyWindow
	selected  map[string]int64
	fallbacks int64
}

// NewAdaptiveProvider creates an adaptive provider over providers, tried in
// the given order when latencies tie. breakers may be nil.
func NewAdaptiveProvider(cfg AdaptiveConfig, breakers *circuit.Manager, providers []Provider, opts ...Option) (*AdaptiveProvider, error) {
	if len(providers) == 0 {
		return nil, errors.NewValidation("providers", "at least one provider is required")
	}
	if cfg.LatencyWindow < 1 {
		cfg.LatencyWindow = 20
	}
	if breakers == nil {
		breakers = circuit.NewManager(circuit.Config{})
	}
	o := applyOptions(opts)

	ap := &AdaptiveProvider{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providers)),
		breakers:  breakers,
		logger:    o.logger.Named("adaptive"),
		latencies: make(map[string]*latencyWindow, len(providers)),
		selected:  make(map[string]int64, len(providers)),
	}
	for _, p := range providers {
		name := p.Name()
		if _, dup := ap.providers[name]; dup {
			return nil, errors.NewValidation("providers", "duplicate strategy "+name)
		}
		ap.providers[name] = p
		ap.order = append(ap.order, name)
		ap.latencies[name] = newLatencyWindow(cfg.LatencyWindow)
	}
	if ap.cfg.Default == "" {
		ap.cfg.Default = ap.order[0]
	}
	if _, ok := ap.providers[ap.cfg.Default]; !ok {
		return nil, errors.NewValidation("default", "default strategy "+ap.cfg.Default+" is not registered")
	}
	ap.current = ap.cfg.Default
	return ap, nil
}

// Name implements Provider.
func (ap *AdaptiveProvider) Name() string { return StrategyAdaptive }

// Current returns the strategy chosen by the latency selector.
func (ap *AdaptiveProvider) Current() string {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.current
}

// compatible reports whether strategy can honour p's addressing mode.
func compatible(strategy string, p Params) bool {
	if strategy == StrategyCursor {
		return p.Cursor != "" || (p.Page <= 1 && p.Offset == 0)
	}
	return p.Cursor == "" || strategy == StrategyAdaptive
}

func (ap *AdaptiveProvider) available(strategy string, p Params) bool {
	provider, ok := ap.providers[strategy]
	if !ok {
		return false
	}
	if cp, ok := provider.(*CursorProvider); ok && !cp.sortsBy(p) {
		return false
	}
	return compatible(strategy, p) && ap.breakers.GetBreaker(strategy).Allow()
}

// Select returns the strategy that would serve p.
func (ap *AdaptiveProvider) Select(p Params) string {
	if ap.cfg.LongSearchThreshold > 0 && len(p.SearchText) > ap.cfg.LongSearchThreshold &&
		ap.available(StrategyCursor, p) {
		return StrategyCursor
	}
	if ap.cfg.LargePageSizeThreshold > 0 && p.PageSize >= ap.cfg.LargePageSizeThreshold &&
		ap.available(StrategyVirtual, p) {
		return StrategyVirtual
	}

	ap.mu.Lock()
	defer ap.mu.Unlock()

	best := ""
	var bestAvg time.Duration
	for _, name := range ap.order {
		if !ap.available(name, p) {
			continue
		}
		avg := ap.latencies[name].average()
		if best == "" || avg < bestAvg {
			best, bestAvg = name, avg
		}
	}
	if best == "" {
		return ap.cfg.Default
	}

	if !ap.available(ap.current, p) {
		return best
	}
	currentAvg := ap.latencies[ap.current].average()
	if best != ap.current && float64(bestAvg) < float64(currentAvg)*(1-ap.cfg.HysteresisMargin) {
		ap.logger.Debug("switching strategy",
			zap.String("from", ap.current),
			zap.String("to", best),
			zap.Duration("from_avg", currentAvg),
			zap.Duration("to_avg", bestAvg))
		ap.current = best
	}
	return ap.current
}

// Fetch implements Provider.
func (ap *AdaptiveProvider) Fetch(ctx context.Context, p Params) (res Result, err error) {
	started := time.Now()
	defer func() { ap.observe(started, err) }()

	strategy := ap.Select(p)
	res, err = ap.fetchWith(ctx, strategy, p)
	if err == nil {
		res.setMeta("strategy", strategy)
		return res, nil
	}

	ap.logger.Warn("strategy failed, retrying with default",
		zap.String("strategy", strategy),
		zap.String("default", ap.cfg.Default),
		zap.Error(err))

	ap.mu.Lock()
	ap.fallbacks++
	ap.mu.Unlock()

	retryParams := p
	if !compatible(ap.cfg.Default, p) {
		retryParams = p.WithPage(p.Page)
	}
	res, retryErr := ap.fetchWith(ctx, ap.cfg.Default, retryParams)
	if retryErr != nil {
		return Result{}, errors.NewStrategyFailure(strategy, retryErr)
	}
	res.setMeta("strategy", ap.cfg.Default)
	res.setMeta("fallback_from", strategy)
	return res, nil
}

func (ap *AdaptiveProvider) fetchWith(ctx context.Context, strategy string, p Params) (Result, error) {
	provider := ap.providers[strategy]
	var res Result
	started := time.Now()
	err := ap.breakers.GetBreaker(strategy).Execute(ctx, func(ctx context.Context) error {
		var fetchErr error
		res, fetchErr = provider.Fetch(ctx, p)
		return fetchErr
	})
	if err != nil {
		return Result{}, err
	}

	ap.mu.Lock()
	ap.latencies[strategy].add(time.Since(started))
	ap.selected[strategy]++
	ap.mu.Unlock()
	return res, nil
}

// Invalidate forwards pattern to every registered strategy that keeps its
// own caches.
func (ap *AdaptiveProvider) Invalidate(pattern string) (int, error) {
	var (
		total int
		errs  error
	)
	for _, name := range ap.order {
		inv, ok := ap.providers[name].(Invalidator)
		if !ok {
			continue
		}
		n, err := inv.Invalidate(pattern)
		total += n
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

// Statistics implements types.StatsProvider.
func (ap *AdaptiveProvider) Statistics() map[string]float64 {
	stats := ap.providerStats.Statistics()

	ap.mu.Lock()
	for name, w := range ap.latencies {
		stats[name+"_avg_latency_ms"] = float64(w.average()) / float64(time.Millisecond)
		stats[name+"_selected"] = float64(ap.selected[name])
	}
	stats["fallbacks"] = float64(ap.fallbacks)
	ap.mu.Unlock()

	for k, v := range ap.breakers.Statistics() {
		stats["breaker_"+k] = v
	}
	return stats
}
