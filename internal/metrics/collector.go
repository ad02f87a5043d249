package metrics

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// HealthCheck returns an error when a component is unhealthy.
type HealthCheck func() error

// Collector exports component statistics and operation metrics to Prometheus
// and serves them over HTTP.
type Collector struct {
	config   config.MetricsConfig
	registry *prometheus.Registry
	logger   *zap.Logger

	mu      sync.RWMutex
	sources map[string]types.StatsProvider
	checks  map[string]HealthCheck
	started time.Time

	statDesc          *prometheus.Desc
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	cacheEvents       *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	server *http.Server
}

// NewCollector creates a collector with its own registry.
func NewCollector(cfg config.MetricsConfig, logger *zap.Logger) (*Collector, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "dashperf"
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		logger:   logger.Named("metrics"),
		sources:  make(map[string]types.StatsProvider),
		checks:   make(map[string]HealthCheck),
		started:  time.Now(),
	}
	c.initMetrics()

	for _, m := range []prometheus.Collector{
		c,
		c.operationCounter,
		c.operationDuration,
		c.cacheEvents,
		c.errorCounter,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.statDesc = prometheus.NewDesc(
		prometheus.BuildFQName(ns, "", "component_statistic"),
		"Statistic exported by a dashperf component",
		[]string{"component", "statistic"}, nil,
	)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Total number of operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
		},
		[]string{"operation"},
	)

	c.cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_events_total",
			Help:      "Cache hits, misses, evictions and invalidations",
		},
		[]string{"cache", "event"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of errors by component and code",
		},
		[]string{"component", "code"},
	)
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Register exports the statistics of a component under name.
func (c *Collector) Register(name string, source types.StatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = source
}

// RegisterHealthCheck adds a named health check served at /health.
func (c *Collector) RegisterHealthCheck(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RecordOperation records one operation outcome.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.RecordError(operation, err)
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
}

// RecordError counts err by component and error code.
func (c *Collector) RecordError(component string, err error) {
	if err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{"component": component, "code": errors.Label(err)}).Inc()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.statDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for component, stats := range c.Snapshot() {
		for name, value := range stats {
			ch <- prometheus.MustNewConstMetric(c.statDesc, prometheus.GaugeValue, value, component, name)
		}
	}
}

// Snapshot gathers the statistics of every registered component. Non-finite
// values are dropped.
func (c *Collector) Snapshot() map[string]map[string]float64 {
	c.mu.RLock()
	sources := make(map[string]types.StatsProvider, len(c.sources))
	for name, s := range c.sources {
		sources[name] = s
	}
	c.mu.RUnlock()

	out := make(map[string]map[string]float64, len(sources))
	for name, s := range sources {
		stats := make(map[string]float64)
		for k, v := range s.Statistics() {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			stats[k] = v
		}
		out[name] = stats
	}
	return out
}

// Health runs every health check and returns the failures by name.
func (c *Collector) Health() map[string]string {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	failures := make(map[string]string)
	for _, name := range names {
		if err := checks[name](); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

// Start serves the router on the configured port. It does nothing when
// metrics are disabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	c.mu.Lock()
	if c.server != nil {
		c.mu.Unlock()
		return errors.NewAlreadyStarted("metrics_server")
	}
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	server := c.server
	c.mu.Unlock()

	c.logger.Info("starting metrics server", zap.String("addr", server.Addr), zap.String("path", c.config.Path))
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the HTTP server down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
