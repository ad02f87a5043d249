package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/internal/loader"
	"github.com/dashperf/dashperf/internal/metrics"
	"github.com/dashperf/dashperf/internal/pagination"
	"github.com/dashperf/dashperf/internal/query"
	"github.com/dashperf/dashperf/internal/resource"
	"github.com/dashperf/dashperf/internal/source/sqlsource"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/health"
	"github.com/dashperf/dashperf/pkg/types"
	"github.com/dashperf/dashperf/pkg/utils"
)

const (
	prefetchPool = "pagination.prefetch"

	componentSource   = "source"
	componentDatabase = "database"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = utils.OrNop(logger) }
}

// WithLogLevel lets configuration reloads change the log level in place.
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(e *Engine) { e.level = &level }
}

// WithCPUProbe supplies the CPU usage probe used by the resource monitor.
func WithCPUProbe(probe resource.CPUProbe) Option {
	return func(e *Engine) { e.probe = probe }
}

// WithSource serves pages from caller-supplied fetch and count functions.
func WithSource(fetch pagination.FetchFunc, count pagination.CountFunc) Option {
	return func(e *Engine) {
		e.fetch = fetch
		e.count = count
	}
}

// WithSQLSource serves pages from a SQL table. Statements go through the
// engine's query optimizer and query cache.
func WithSQLSource(db *sql.DB, table sqlsource.Config) Option {
	return func(e *Engine) {
		e.db = db
		e.table = table
	}
}

// WithConfigFile hot-reloads tunable settings from path.
func WithConfigFile(path string, pollInterval time.Duration) Option {
	return func(e *Engine) {
		e.configPath = path
		e.pollInterval = pollInterval
	}
}

// Engine wires the dashboard performance subsystems together and owns
// their background loops.
type Engine struct {
	logger *zap.Logger
	level  *zap.AtomicLevel
	probe  resource.CPUProbe

	cfgMu sync.RWMutex
	cfg   *config.Configuration

	fetch pagination.FetchFunc
	count pagination.CountFunc
	db    *sql.DB
	table sqlsource.Config

	configPath   string
	pollInterval time.Duration

	records    *cache.Cache[types.Record]
	loader     *loader.Loader
	pages      *pagination.CachedProvider
	optimizer  *query.Optimizer
	queryCache *query.QueryCache
	lookups    *query.BatchExecutor[any, types.Record]
	resources  *resource.GlobalManager
	metrics    *metrics.Collector
	health     *health.Tracker
	source     *sqlsource.Source
	watcher    *config.Watcher

	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
	reloads atomic.Int64
}

// New validates cfg and builds every subsystem. Nothing runs until Start.
func New(cfg *config.Configuration, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		logger: zap.NewNop(),
		cfg:    cfg.Clone(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetch == nil && e.db == nil {
		return nil, errors.NewInvalidConfig("source", fmt.Errorf("a fetch function or SQL source is required"))
	}
	e.logger = e.logger.Named(cfg.Global.ServiceName)

	if err := e.build(); err != nil {
		e.closeComponents()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build() error {
	cfg := e.cfg
	var err error

	e.metrics, err = metrics.NewCollector(cfg.Monitoring.Metrics, e.logger)
	if err != nil {
		return err
	}

	e.health = health.NewTracker(health.Config{
		ErrorThreshold:       cfg.Monitoring.Health.ErrorThreshold,
		UnavailableThreshold: cfg.Monitoring.Health.UnavailableThreshold,
		CheckInterval:        cfg.Monitoring.Health.CheckInterval,
	})
	e.health.RegisterComponent(componentSource)
	e.health.OnStateChange(func(component string, oldState, newState health.State, err error) {
		e.logger.Warn("component health changed",
			zap.String("component", component),
			zap.Stringer("from", oldState),
			zap.Stringer("to", newState),
			zap.Error(err))
	})

	e.records = cache.New[types.Record](cache.Config{
		MaxSize:         cfg.Cache.MaxSize,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		ThreadSafe:      true,
		CleanupInterval: cfg.Cache.CleanupInterval,
	}, cache.WithName("records"), cache.WithLogger(e.logger),
		cache.WithObserver(e.metrics.CacheObserver("records")))

	e.optimizer = query.NewOptimizer(query.OptimizerConfigFrom(cfg.Query), e.logger)
	e.queryCache, err = query.NewQueryCache(query.CacheConfigFrom(cfg.Query), e.logger,
		cache.WithObserver(e.metrics.CacheObserver("query")))
	if err != nil {
		return err
	}

	e.resources = resource.NewGlobalManager(cfg.Resources, e.probe, resource.WithLogger(e.logger))
	e.resources.Memory().RegisterReclaimer("records", e.records.CleanupExpired)
	e.resources.Memory().RegisterReclaimer("query_cache", e.queryCache.CleanupExpired)

	if e.db != nil {
		e.source, err = sqlsource.New(e.db, e.table,
			sqlsource.WithLogger(e.logger),
			sqlsource.WithOptimizer(e.optimizer),
			sqlsource.WithQueryCache(e.queryCache, cfg.Query.CacheTTL))
		if err != nil {
			return err
		}
		e.fetch, e.count = e.source.FetchFunc(), e.source.CountFunc()
	}

	var count pagination.CountFunc
	if e.count != nil {
		count = e.guardedCount
	}
	e.pages, err = pagination.NewCachedFromConfig(cfg.Pagination, e.guardedFetch, count,
		pagination.WithLogger(e.logger),
		pagination.WithCacheObserver(e.metrics.CacheObserver("pages")))
	if err != nil {
		return err
	}

	e.lookups = query.NewBatchExecutor[any, types.Record](query.BatchConfig{
		MaxBatchSize: cfg.Query.BatchSize,
		MaxWaitTime:  cfg.Query.BatchTimeout,
	}, e.lookupBatch, e.logger)

	strategy, err := loader.StrategyFromConfig(cfg.Loader)
	if err != nil {
		return errors.NewInvalidConfig("loader.strategy", err)
	}
	e.loader = loader.New(
		loader.WithStrategy(strategy),
		loader.WithMaxConcurrentLoads(cfg.Loader.MaxConcurrentLoads),
		loader.WithCPUBoundLimit(int64(cfg.Loader.CPUBoundLimit)),
		loader.WithLoadTimeout(cfg.Loader.LoadTimeout),
		loader.WithLogger(e.logger),
	)

	e.registerStatistics()
	return nil
}

func (e *Engine) registerStatistics() {
	e.metrics.Register("records_cache", e.records)
	e.metrics.Register("loader", e.loader)
	e.metrics.Register("pagination", e.pages)
	e.metrics.Register("optimizer", e.optimizer)
	e.metrics.Register("query_cache", e.queryCache)
	e.metrics.Register("lookups", e.lookups)
	e.metrics.Register("resources", e.resources)
	e.metrics.Register("health", e.health)
	e.metrics.Register("engine", types.StatsFunc(func() map[string]float64 {
		return map[string]float64{"config_reloads": float64(e.reloads.Load())}
	}))
	if e.source != nil {
		e.metrics.Register("source", e.source)
	}

	e.metrics.RegisterHealthCheck("engine", func() error {
		if !e.started.Load() {
			return errors.NewNotStarted("engine")
		}
		return nil
	})
	e.metrics.RegisterHealthCheck("resources", func() error {
		for rt, u := range e.resources.UsageSnapshot() {
			if q, ok := e.resources.Quota(rt); ok && u.Percentage >= q.CriticalThreshold {
				return fmt.Errorf("%s usage %.1f%% at or above critical threshold %.0f%%", rt, u.Percentage, q.CriticalThreshold)
			}
		}
		return nil
	})
	e.metrics.RegisterHealthCheck(componentSource, e.health.Check(componentSource))
	if e.db != nil {
		e.health.RegisterComponent(componentDatabase)
		e.metrics.RegisterHealthCheck(componentDatabase, e.health.Check(componentDatabase))
	}
}

// Start launches the background loops: cache janitor, prefetch worker,
// resource monitor, metrics server and the configuration watcher.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return errors.NewInternal("engine.start", fmt.Errorf("engine was stopped and cannot be restarted"))
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.NewAlreadyStarted("engine")
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.records.StartJanitor(ctx)
	if err := e.pages.Start(ctx); err != nil {
		return e.abortStart(err)
	}
	timeout := e.Config().Global.ShutdownTimeout
	if err := e.resources.Threads().RegisterPool(prefetchPool, func() error {
		return e.pages.Stop(timeout)
	}); err != nil {
		return e.abortStart(err)
	}
	if err := e.resources.Start(ctx); err != nil {
		return e.abortStart(err)
	}
	if err := e.metrics.Start(ctx); err != nil {
		return e.abortStart(err)
	}
	if e.db != nil {
		go e.health.StartHealthChecks(ctx, map[string]health.Probe{
			componentDatabase: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return e.db.PingContext(ctx)
			},
		})
	}

	if e.configPath != "" {
		w, err := config.NewWatcher(e.configPath, e.Config(), e.pollInterval, e.applyReload, e.logger)
		if err != nil {
			return e.abortStart(err)
		}
		if err := w.Start(); err != nil {
			return e.abortStart(fmt.Errorf("failed to start config watcher: %w", err))
		}
		e.watcher = w
	}

	e.logger.Info("engine started",
		zap.String("pagination_strategy", e.pages.Name()),
		zap.Bool("sql_source", e.source != nil),
		zap.Bool("metrics", e.Config().Monitoring.Metrics.Enabled))
	return nil
}

func (e *Engine) abortStart(err error) error {
	_ = e.Stop(context.Background())
	return err
}

// Stop stops every background loop and releases held resources. It collects
// every shutdown error instead of stopping at the first.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.stopped.Store(true)

	var err error
	if e.watcher != nil {
		err = multierr.Append(err, e.watcher.Stop())
		e.watcher = nil
	}
	err = multierr.Append(err, e.metrics.Stop(ctx))
	err = multierr.Append(err, e.resources.Stop())
	e.lookups.Stop()
	if e.resources.Threads().UnregisterPool(prefetchPool) {
		err = multierr.Append(err, e.pages.Stop(e.Config().Global.ShutdownTimeout))
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.closeComponents()
	err = multierr.Append(err, e.resources.Close())

	if err != nil {
		e.logger.Warn("engine stopped with errors", zap.Error(err))
		return err
	}
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) closeComponents() {
	if e.records != nil {
		e.records.Close()
	}
	if e.queryCache != nil {
		e.queryCache.Close()
	}
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() *config.Configuration {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.Clone()
}

// Loader returns the lazy loader for dashboard panels.
func (e *Engine) Loader() *loader.Loader { return e.loader }

// Pages returns the caching pagination provider.
func (e *Engine) Pages() *pagination.CachedProvider { return e.pages }

// Optimizer returns the query optimizer.
func (e *Engine) Optimizer() *query.Optimizer { return e.optimizer }

// QueryCache returns the query result cache.
func (e *Engine) QueryCache() *query.QueryCache { return e.queryCache }

// Resources returns the resource manager.
func (e *Engine) Resources() *resource.GlobalManager { return e.resources }

// Health returns the component health tracker.
func (e *Engine) Health() *health.Tracker { return e.health }

// Metrics returns the metrics collector.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }
