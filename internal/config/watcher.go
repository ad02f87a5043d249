package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/agilira/argus"
	"go.uber.org/zap"
)

// ReloadFunc receives the previous and the newly applied configuration.
type ReloadFunc func(old, updated *Configuration)

// Watcher hot-reloads the tunable subset of a configuration file.
//
// Changes to timings, prefetch depth, thresholds and log level are copied
// into Current and handed to onReload, which decides what the running
// components pick up. Capacity settings (cache sizes, quotas, worker counts)
// are never reloaded.
type Watcher struct {
	watcher  *argus.Watcher
	logger   *zap.Logger
	onReload ReloadFunc

	mu      sync.RWMutex
	current *Configuration
}

// NewWatcher creates a watcher over path starting from base.
func NewWatcher(path string, base *Configuration, pollInterval time.Duration, onReload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if pollInterval < 100*time.Millisecond {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Watcher{
		logger:   logger.Named("config-watcher"),
		onReload: onReload,
		current:  base.Clone(),
	}

	watcher, err := argus.UniversalConfigWatcherWithConfig(path, w.handleChange, argus.Config{
		PollInterval: pollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}
	w.watcher = watcher
	return w, nil
}

// Start begins polling the file.
func (w *Watcher) Start() error {
	if w.watcher.IsRunning() {
		return nil
	}
	return w.watcher.Start()
}

// Stop stops polling.
func (w *Watcher) Stop() error {
	if !w.watcher.IsRunning() {
		return nil
	}
	return w.watcher.Stop()
}

// Current returns a copy of the active configuration.
func (w *Watcher) Current() *Configuration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Clone()
}

func (w *Watcher) handleChange(data map[string]interface{}) {
	w.mu.Lock()
	old := w.current
	next := old.Clone()
	applyTunables(next, data)
	if err := next.Validate(); err != nil {
		w.mu.Unlock()
		w.logger.Warn("rejected configuration reload", zap.Error(err))
		return
	}
	w.current = next
	w.mu.Unlock()

	w.logger.Info("configuration reloaded")
	if w.onReload != nil {
		w.onReload(old.Clone(), next.Clone())
	}
}

func applyTunables(c *Configuration, data map[string]interface{}) {
	if s := section(data, "cache"); s != nil {
		setDuration(s, "default_ttl", &c.Cache.DefaultTTL)
	}
	if s := section(data, "loader"); s != nil {
		setDuration(s, "load_timeout", &c.Loader.LoadTimeout)
		setFloat(s, "prediction_threshold", &c.Loader.PredictionThreshold)
	}
	if s := section(data, "pagination"); s != nil {
		setInt(s, "prefetch_pages", &c.Pagination.PrefetchPages)
		setDuration(s, "prefetch_delay", &c.Pagination.PrefetchDelay)
		setDuration(s, "cache_ttl", &c.Pagination.CacheTTL)
		setFloat(s, "hysteresis_margin", &c.Pagination.HysteresisMargin)
	}
	if s := section(data, "query"); s != nil {
		setDuration(s, "batch_timeout", &c.Query.BatchTimeout)
		setDuration(s, "cache_ttl", &c.Query.CacheTTL)
	}
	if s := section(data, "resources"); s != nil {
		setDuration(s, "monitor_interval", &c.Resources.MonitorInterval)
		setDuration(s, "max_wait_time", &c.Resources.MaxWaitTime)
	}
	if m := section(data, "monitoring"); m != nil {
		if s := section(m, "logging"); s != nil {
			if level, ok := s["level"].(string); ok {
				c.Monitoring.Logging.Level = level
			}
		}
	}
}

func section(data map[string]interface{}, key string) map[string]interface{} {
	switch v := data[key].(type) {
	case map[string]interface{}:
		return v
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	}
	return nil
}

func setDuration(s map[string]interface{}, key string, dst *time.Duration) {
	if str, ok := s[key].(string); ok {
		if d, err := time.ParseDuration(str); err == nil {
			*dst = d
		}
	}
}

func setInt(s map[string]interface{}, key string, dst *int) {
	switch v := s[key].(type) {
	case int:
		*dst = v
	case int64:
		*dst = int(v)
	case float64:
		*dst = int(v)
	}
}

func setFloat(s map[string]interface{}, key string, dst *float64) {
	switch v := s[key].(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	}
}
