package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/dashperf/dashperf/pkg/types"
)

// Configuration represents the complete dashperf configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Loader     LoaderConfig     `yaml:"loader"`
	Pagination PaginationConfig `yaml:"pagination"`
	Query      QueryConfig      `yaml:"query"`
	Resources  ResourcesConfig  `yaml:"resources"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	ServiceName     string        `yaml:"service_name" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig represents the shared TTL+LRU cache settings
type CacheConfig struct {
	MaxSize         int           `yaml:"max_size" validate:"min=1"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	ThreadSafe      bool          `yaml:"thread_safe"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LoaderConfig represents lazy loader settings
type LoaderConfig struct {
	Strategy            string        `yaml:"strategy" validate:"oneof=on_demand viewport predictive"`
	MaxConcurrentLoads  int           `yaml:"max_concurrent_loads" validate:"min=1"`
	CPUBoundLimit       int           `yaml:"cpu_bound_limit" validate:"min=1"`
	LoadTimeout         time.Duration `yaml:"load_timeout"`
	ViewportMargin      float64       `yaml:"viewport_margin" validate:"gte=0"`
	PredictionWindow    int           `yaml:"prediction_window" validate:"min=1"`
	PredictionThreshold float64       `yaml:"prediction_threshold" validate:"gte=0,lte=1"`
}

// PaginationConfig represents pagination engine settings
type PaginationConfig struct {
	Strategy        string        `yaml:"strategy" validate:"oneof=offset cursor virtual_scroll adaptive"`
	PageSize        int           `yaml:"page_size" validate:"min=1"`
	MaxPageSize     int           `yaml:"max_page_size" validate:"min=1"`
	CursorField     string        `yaml:"cursor_field" validate:"required"`
	BufferSize      int           `yaml:"buffer_size" validate:"min=0"`
	ItemHeight      int           `yaml:"item_height" validate:"min=1"`
	ContainerHeight int           `yaml:"container_height" validate:"min=1"`
	MaxCacheEntries int           `yaml:"max_cache_entries" validate:"min=1"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`

	PrefetchPages     int           `yaml:"prefetch_pages" validate:"min=0"`
	PrefetchDelay     time.Duration `yaml:"prefetch_delay"`
	PrefetchWorkers   int           `yaml:"prefetch_workers" validate:"min=1"`
	PrefetchQueueSize int           `yaml:"prefetch_queue_size" validate:"min=1"`
	PrefetchRetries   int           `yaml:"prefetch_retries" validate:"min=1,max=5"`

	LongSearchThreshold    int     `yaml:"long_search_threshold" validate:"min=1"`
	LargePageSizeThreshold int     `yaml:"large_page_size_threshold" validate:"min=1"`
	HysteresisMargin       float64 `yaml:"hysteresis_margin" validate:"gte=0,lt=1"`
	LatencyWindow          int     `yaml:"latency_window" validate:"min=1"`

	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold" validate:"min=1"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout"`
}

// QueryConfig represents query optimizer, batch executor and query cache settings
type QueryConfig struct {
	BatchSize          int           `yaml:"batch_size" validate:"min=1"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	MaxGroupSize       int           `yaml:"max_group_size" validate:"min=1"`
	DefaultLimit       int           `yaml:"default_limit" validate:"min=0"`
	ApplyDefaultLimit  bool          `yaml:"apply_default_limit"`
	BaseCost           float64       `yaml:"base_cost" validate:"gt=0"`
	DuplicateDistance  int           `yaml:"duplicate_distance" validate:"min=0"`
	RecentQueries      int           `yaml:"recent_queries" validate:"min=1"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	CacheMaxSize       int           `yaml:"cache_max_size" validate:"min=1"`
	CompressionEnabled bool          `yaml:"compression_enabled"`
	CompressionMinSize int           `yaml:"compression_min_size" validate:"min=0"`
}

// ResourcesConfig represents resource manager settings
type ResourcesConfig struct {
	MaxCPUPercent   int64                 `yaml:"max_cpu_percent" validate:"min=1,max=100"`
	MaxMemoryMB     int64                 `yaml:"max_memory_mb" validate:"min=1"`
	MaxThreads      int64                 `yaml:"max_threads" validate:"min=1"`
	MaxConnections  int64                 `yaml:"max_connections" validate:"min=1"`
	MaxWaitTime     time.Duration         `yaml:"max_wait_time"`
	MonitorInterval time.Duration         `yaml:"monitor_interval"`
	IdleTimeout     time.Duration         `yaml:"idle_timeout"`
	HistorySize     int                   `yaml:"history_size" validate:"min=1"`
	Quotas          []types.ResourceQuota `yaml:"quotas"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Health  HealthConfig  `yaml:"health"`
}

// HealthConfig represents component health tracking settings
type HealthConfig struct {
	ErrorThreshold       int           `yaml:"error_threshold" validate:"min=1"`
	UnavailableThreshold int           `yaml:"unavailable_threshold" validate:"gtefield=ErrorThreshold"`
	CheckInterval        time.Duration `yaml:"check_interval"`
}

// MetricsConfig represents metrics export configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port" validate:"min=1,max=65535"`
	Path      string `yaml:"path" validate:"startswith=/"`
	Namespace string `yaml:"namespace" validate:"required"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level       string   `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format      string   `yaml:"format" validate:"oneof=json console"`
	OutputPaths []string `yaml:"output_paths"`
}

var validate = validator.New()

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			ServiceName:     "dashperf",
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:         1000,
			DefaultTTL:      5 * time.Minute,
			ThreadSafe:      true,
			CleanupInterval: time.Minute,
		},
		Loader: LoaderConfig{
			Strategy:            "on_demand",
			MaxConcurrentLoads:  4,
			CPUBoundLimit:       2,
			LoadTimeout:         30 * time.Second,
			ViewportMargin:      200,
			PredictionWindow:    50,
			PredictionThreshold: 0.3,
		},
		Pagination: PaginationConfig{
			Strategy:                "adaptive",
			PageSize:                50,
			MaxPageSize:             1000,
			CursorField:             "id",
			BufferSize:              20,
			ItemHeight:              40,
			ContainerHeight:         800,
			MaxCacheEntries:         100,
			CacheTTL:                2 * time.Minute,
			PrefetchPages:           1,
			PrefetchDelay:           100 * time.Millisecond,
			PrefetchWorkers:         1,
			PrefetchQueueSize:       32,
			PrefetchRetries:         2,
			LongSearchThreshold:     3,
			LargePageSizeThreshold:  500,
			HysteresisMargin:        0.1,
			LatencyWindow:           20,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
		},
		Query: QueryConfig{
			BatchSize:          50,
			BatchTimeout:       10 * time.Millisecond,
			MaxGroupSize:       10,
			DefaultLimit:       1000,
			ApplyDefaultLimit:  false,
			BaseCost:           1.0,
			DuplicateDistance:  8,
			RecentQueries:      64,
			CacheTTL:           5 * time.Minute,
			CacheMaxSize:       500,
			CompressionEnabled: true,
			CompressionMinSize: 1024,
		},
		Resources: ResourcesConfig{
			MaxCPUPercent:   80,
			MaxMemoryMB:     1024,
			MaxThreads:      32,
			MaxConnections:  20,
			MaxWaitTime:     5 * time.Second,
			MonitorInterval: 15 * time.Second,
			IdleTimeout:     5 * time.Minute,
			HistorySize:     60,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Port:      9090,
				Path:      "/metrics",
				Namespace: "dashperf",
			},
			Logging: LoggingConfig{
				Level:  "INFO",
				Format: "json",
			},
			Health: HealthConfig{
				ErrorThreshold:       3,
				UnavailableThreshold: 10,
				CheckInterval:        30 * time.Second,
			},
		},
	}
}

// Clone returns a deep copy of the configuration.
func (c *Configuration) Clone() *Configuration {
	out := *c
	out.Resources.Quotas = append([]types.ResourceQuota(nil), c.Resources.Quotas...)
	out.Monitoring.Logging.OutputPaths = append([]string(nil), c.Monitoring.Logging.OutputPaths...)
	return &out
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from DASHPERF_* environment variables
func (c *Configuration) LoadFromEnv() error {
	e := envReader{}

	// Monitoring
	e.str("DASHPERF_LOG_LEVEL", &c.Monitoring.Logging.Level)
	e.str("DASHPERF_LOG_FORMAT", &c.Monitoring.Logging.Format)
	e.boolean("DASHPERF_METRICS_ENABLED", &c.Monitoring.Metrics.Enabled)
	e.integer("DASHPERF_METRICS_PORT", &c.Monitoring.Metrics.Port)

	// Cache
	e.integer("DASHPERF_CACHE_MAX_SIZE", &c.Cache.MaxSize)
	e.duration("DASHPERF_CACHE_DEFAULT_TTL", &c.Cache.DefaultTTL)

	// Loader
	e.str("DASHPERF_LOADER_STRATEGY", &c.Loader.Strategy)
	e.duration("DASHPERF_LOAD_TIMEOUT", &c.Loader.LoadTimeout)

	// Pagination
	e.str("DASHPERF_PAGINATION_STRATEGY", &c.Pagination.Strategy)
	e.integer("DASHPERF_PAGE_SIZE", &c.Pagination.PageSize)
	e.integer("DASHPERF_PREFETCH_PAGES", &c.Pagination.PrefetchPages)

	// Query
	e.integer("DASHPERF_QUERY_BATCH_SIZE", &c.Query.BatchSize)
	e.duration("DASHPERF_QUERY_BATCH_TIMEOUT", &c.Query.BatchTimeout)
	e.boolean("DASHPERF_COMPRESSION_ENABLED", &c.Query.CompressionEnabled)

	// Resources
	e.int64("DASHPERF_MAX_MEMORY_MB", &c.Resources.MaxMemoryMB)
	e.int64("DASHPERF_MAX_THREADS", &c.Resources.MaxThreads)
	e.int64("DASHPERF_MAX_CONNECTIONS", &c.Resources.MaxConnections)
	e.duration("DASHPERF_MAX_WAIT_TIME", &c.Resources.MaxWaitTime)

	return e.err
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Pagination.PageSize > c.Pagination.MaxPageSize {
		return fmt.Errorf("pagination.page_size (%d) exceeds max_page_size (%d)",
			c.Pagination.PageSize, c.Pagination.MaxPageSize)
	}
	if c.Query.BatchTimeout <= 0 {
		return fmt.Errorf("query.batch_timeout must be greater than 0")
	}
	if c.Resources.MaxWaitTime < 0 {
		return fmt.Errorf("resources.max_wait_time cannot be negative")
	}
	if c.Resources.MonitorInterval <= 0 {
		return fmt.Errorf("resources.monitor_interval must be greater than 0")
	}
	if c.Pagination.BreakerTimeout <= 0 {
		return fmt.Errorf("pagination.breaker_timeout must be greater than 0")
	}

	seen := make(map[types.ResourceType]bool)
	for _, q := range c.Resources.Quotas {
		switch q.ResourceType {
		case types.ResourceCPU, types.ResourceMemory, types.ResourceThreads, types.ResourceConnections:
		default:
			return fmt.Errorf("resources.quotas: unknown resource_type %q", q.ResourceType)
		}
		if seen[q.ResourceType] {
			return fmt.Errorf("resources.quotas: duplicate resource_type %q", q.ResourceType)
		}
		seen[q.ResourceType] = true
		if q.MaxValue <= 0 {
			return fmt.Errorf("resources.quotas[%s]: max_value must be greater than 0", q.ResourceType)
		}
		if q.WarningThreshold > q.CriticalThreshold {
			return fmt.Errorf("resources.quotas[%s]: warning_threshold exceeds critical_threshold", q.ResourceType)
		}
	}

	return nil
}

func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.TrimPrefix(e.Namespace(), "Configuration.")
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// envReader applies environment overrides and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	val := os.Getenv(key)
	return val, val != ""
}

func (e *envReader) fail(key, val string, err error) {
	e.err = fmt.Errorf("invalid %s=%q: %w", key, val, err)
}

func (e *envReader) str(key string, dst *string) {
	if val, ok := e.lookup(key); ok {
		*dst = val
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if val, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if val, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = d
	}
}
