package loader

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// Option configures a Loader.
type Option func(*Loader)

// WithStrategy sets the preload strategy. Defaults to on-demand.
func WithStrategy(s Strategy) Option {
	return func(l *Loader) { l.strategy = s }
}

// WithMaxConcurrentLoads bounds a preload pass.
func WithMaxConcurrentLoads(n int) Option {
	return func(l *Loader) { l.maxConcurrent = n }
}

// WithCPUBoundLimit bounds concurrently running CPU-bound loaders.
func WithCPUBoundLimit(n int64) Option {
	return func(l *Loader) { l.cpuLimit = n }
}

// WithLoadTimeout bounds every load. Zero disables the bound.
func WithLoadTimeout(d time.Duration) Option {
	return func(l *Loader) { l.loadTimeout = d }
}

// WithClock overrides the time source.
func WithClock(c types.Clock) Option {
	return func(l *Loader) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Loader registers named items and loads them lazily, once per key at a time.
type Loader struct {
	mu       sync.Mutex
	items    map[string]*item
	strategy Strategy

	group         singleflight.Group
	cpuSem        *semaphore.Weighted
	cpuLimit      int64
	maxConcurrent int
	loadTimeout   time.Duration

	clock  types.Clock
	logger *zap.Logger

	loads     atomic.Int64
	failures  atomic.Int64
	hits      atomic.Int64
	shared    atomic.Int64
	timeouts  atomic.Int64
	preloaded atomic.Int64
}

// New creates a loader.
func New(opts ...Option) *Loader {
	l := &Loader{
		items:         make(map[string]*item),
		strategy:      OnDemandStrategy{},
		cpuLimit:      2,
		maxConcurrent: 4,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cpuLimit < 1 {
		l.cpuLimit = 1
	}
	if l.maxConcurrent < 1 {
		l.maxConcurrent = 1
	}
	if l.clock == nil {
		l.clock = wallClock{}
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.Named("loader")
	l.cpuSem = semaphore.NewWeighted(l.cpuLimit)
	return l
}

// SetStrategy swaps the preload strategy.
func (l *Loader) SetStrategy(s Strategy) {
	l.mu.Lock()
	l.strategy = s
	l.mu.Unlock()
}

// RegisterItem adds or replaces an item. Unknown dependencies and
// registrations that would close a dependency cycle are rejected.
func (l *Loader) RegisterItem(key string, fn LoaderFunc, opts ...ItemOption) error {
	if key == "" {
		return errors.NewValidation("key", "must not be empty")
	}
	if fn == nil {
		return errors.NewValidation("loader", "must not be nil")
	}

	it := &item{key: key, fn: fn, state: StateUnloaded}
	for _, opt := range opts {
		opt(it)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, dep := range it.deps {
		if dep == key {
			return errors.NewDependencyCycle(key, []string{key, key})
		}
		if _, ok := l.items[dep]; !ok {
			return errors.NewNotFound("loader", dep)
		}
		if path := l.pathTo(dep, key, nil); path != nil {
			return errors.NewDependencyCycle(key, append([]string{key}, path...))
		}
	}

	l.items[key] = it
	l.logger.Debug("registered item",
		zap.String("key", key),
		zap.Int("priority", it.priority),
		zap.Strings("dependencies", it.deps))
	return nil
}

// pathTo returns the dependency path from -> ... -> target, or nil.
// Caller holds the lock.
func (l *Loader) pathTo(from, target string, seen map[string]bool) []string {
	if from == target {
		return []string{from}
	}
	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[from] {
		return nil
	}
	seen[from] = true

	it, ok := l.items[from]
	if !ok {
		return nil
	}
	for _, dep := range it.deps {
		if rest := l.pathTo(dep, target, seen); rest != nil {
			return append([]string{from}, rest...)
		}
	}
	return nil
}

// LoadItem returns the item's value, loading it and its dependencies first
// when it is not Loaded or has gone stale. Concurrent calls for one key share
// a single load. A caller whose ctx ends stops waiting with a Timeout error;
// the load itself continues and still updates the item.
func (l *Loader) LoadItem(ctx context.Context, key string, lc LoadContext) (any, error) {
	now := l.clock.Now()

	l.mu.Lock()
	it, ok := l.items[key]
	if !ok {
		l.mu.Unlock()
		return nil, errors.NewNotFound("loader", key)
	}
	it.refresh(now)
	if it.state == StateLoaded {
		value := it.value
		l.mu.Unlock()
		l.hits.Add(1)
		l.recordAccess(key, now)
		return value, nil
	}
	l.mu.Unlock()
	l.recordAccess(key, now)

	if l.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.loadTimeout)
		defer cancel()
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		runCtx := flightCtx
		if l.loadTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(flightCtx, l.loadTimeout)
			defer cancel()
		}
		return l.run(runCtx, key, lc)
	})

	select {
	case res := <-ch:
		if res.Shared {
			l.shared.Add(1)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		l.timeouts.Add(1)
		return nil, errors.NewTimeout("load "+key, l.loadTimeout, ctx.Err())
	}
}

// run performs one load inside the single-flight group.
func (l *Loader) run(ctx context.Context, key string, lc LoadContext) (any, error) {
	l.mu.Lock()
	it, ok := l.items[key]
	if !ok {
		l.mu.Unlock()
		return nil, errors.NewNotFound("loader", key)
	}
	it.refresh(l.clock.Now())
	if it.state == StateLoaded {
		// a previous flight finished between the caller's check and this one
		value := it.value
		l.mu.Unlock()
		return value, nil
	}
	it.state = StateLoading
	deps := append([]string(nil), it.deps...)
	fn, cpuBound := it.fn, it.cpuBound
	l.mu.Unlock()

	for _, dep := range deps {
		if _, err := l.LoadItem(ctx, dep, lc); err != nil {
			l.fail(it, err)
			return nil, errors.NewUpstreamFailure("load dependency "+dep, key, err)
		}
	}

	start := time.Now()
	value, err := l.invoke(ctx, fn, cpuBound, lc)
	l.loads.Add(1)
	if err != nil {
		l.fail(it, err)
		l.logger.Warn("load failed", zap.String("key", key), zap.Error(err))
		if errors.IsTimeout(err) {
			return nil, err
		}
		return nil, errors.NewUpstreamFailure("load", key, err)
	}

	l.mu.Lock()
	it.state = StateLoaded
	it.value = value
	it.lastErr = nil
	it.lastLoadedAt = l.clock.Now()
	it.loadCount++
	l.mu.Unlock()

	l.logger.Debug("loaded item", zap.String("key", key), zap.Duration("took", time.Since(start)))
	return value, nil
}

func (l *Loader) invoke(ctx context.Context, fn LoaderFunc, cpuBound bool, lc LoadContext) (value any, err error) {
	if cpuBound {
		if err := l.cpuSem.Acquire(ctx, 1); err != nil {
			return nil, errors.NewTimeout("acquire cpu slot", l.loadTimeout, err)
		}
		defer l.cpuSem.Release(1)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewPanicRecovered("load", r)
		}
	}()
	return fn(ctx, lc)
}

func (l *Loader) fail(it *item, err error) {
	l.failures.Add(1)
	l.mu.Lock()
	it.state = StateFailed
	it.lastErr = err
	l.mu.Unlock()
}

func (l *Loader) recordAccess(key string, at time.Time) {
	l.mu.Lock()
	s := l.strategy
	l.mu.Unlock()
	if rec, ok := s.(AccessRecorder); ok {
		rec.RecordAccess(key, at)
	}
}

type candidate struct {
	key      string
	priority float64
}

// PreloadItems asks the strategy about every Unloaded, Failed or Stale item
// and loads the approved ones, highest priority first, with bounded
// concurrency. It returns the keys loaded successfully; individual failures
// stay recorded on their items.
func (l *Loader) PreloadItems(ctx context.Context, lc LoadContext) ([]string, error) {
	now := l.clock.Now()

	l.mu.Lock()
	strategy := l.strategy
	infos := make([]ItemInfo, 0, len(l.items))
	for _, it := range l.items {
		it.refresh(now)
		if it.state.loadable() {
			infos = append(infos, it.info())
		}
	}
	l.mu.Unlock()

	var candidates []candidate
	for _, info := range infos {
		if strategy.ShouldLoad(info, lc) {
			candidates = append(candidates, candidate{key: info.Key, priority: strategy.Priority(info, lc)})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].key < candidates[j].key
	})

	loaded := make([]bool, len(candidates))
	var g errgroup.Group
	g.SetLimit(l.maxConcurrent)
	for i, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := l.LoadItem(ctx, c.key, lc); err != nil {
				l.logger.Debug("preload failed", zap.String("key", c.key), zap.Error(err))
				return nil
			}
			loaded[i] = true
			return nil
		})
	}
	_ = g.Wait()

	keys := make([]string, 0, len(candidates))
	for i, ok := range loaded {
		if ok {
			keys = append(keys, candidates[i].key)
		}
	}
	l.preloaded.Add(int64(len(keys)))
	l.logger.Debug("preload pass finished",
		zap.String("strategy", strategy.Name()),
		zap.Int("candidates", len(candidates)),
		zap.Int("loaded", len(keys)))

	if err := ctx.Err(); err != nil {
		return keys, errors.NewTimeout("preload", l.loadTimeout, err)
	}
	return keys, nil
}

// Invalidate marks a loaded item stale.
func (l *Loader) Invalidate(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.items[key]
	if !ok {
		return errors.NewNotFound("loader", key)
	}
	if it.state == StateLoaded {
		it.state = StateStale
	}
	return nil
}

// InvalidateAll marks every loaded item stale and returns how many changed.
func (l *Loader) InvalidateAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, it := range l.items {
		if it.state == StateLoaded {
			it.state = StateStale
			n++
		}
	}
	return n
}

// Item returns a snapshot of one item.
func (l *Loader) Item(key string) (ItemInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.items[key]
	if !ok {
		return ItemInfo{}, false
	}
	it.refresh(l.clock.Now())
	return it.info(), true
}

// Items returns snapshots of every item ordered by key.
func (l *Loader) Items() []ItemInfo {
	now := l.clock.Now()

	l.mu.Lock()
	out := make([]ItemInfo, 0, len(l.items))
	for _, it := range l.items {
		it.refresh(now)
		out = append(out, it.info())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Statistics implements types.StatsProvider.
func (l *Loader) Statistics() map[string]float64 {
	now := l.clock.Now()
	byState := make(map[State]int)

	l.mu.Lock()
	total := len(l.items)
	for _, it := range l.items {
		it.refresh(now)
		byState[it.state]++
	}
	l.mu.Unlock()

	return map[string]float64{
		"items":          float64(total),
		"items_loaded":   float64(byState[StateLoaded]),
		"items_loading":  float64(byState[StateLoading]),
		"items_failed":   float64(byState[StateFailed]),
		"items_stale":    float64(byState[StateStale]),
		"items_unloaded": float64(byState[StateUnloaded]),
		"loads":          float64(l.loads.Load()),
		"load_failures":  float64(l.failures.Load()),
		"cache_hits":     float64(l.hits.Load()),
		"shared_waits":   float64(l.shared.Load()),
		"wait_timeouts":  float64(l.timeouts.Load()),
		"preloaded":      float64(l.preloaded.Load()),
	}
}
