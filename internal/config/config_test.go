package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashperf/dashperf/pkg/types"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, "dashperf", cfg.Global.ServiceName)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.True(t, cfg.Cache.ThreadSafe)
	assert.Equal(t, "adaptive", cfg.Pagination.Strategy)
	assert.InDelta(t, 0.1, cfg.Pagination.HysteresisMargin, 1e-9)
	assert.Equal(t, 50, cfg.Query.BatchSize)
	assert.True(t, cfg.Query.CompressionEnabled)
	assert.Equal(t, 5*time.Second, cfg.Resources.MaxWaitTime)
	assert.Equal(t, "INFO", cfg.Monitoring.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Configuration) {},
		},
		{
			name:    "zero cache size",
			mutate:  func(c *Configuration) { c.Cache.MaxSize = 0 },
			wantErr: "Cache.MaxSize",
		},
		{
			name:    "unknown pagination strategy",
			mutate:  func(c *Configuration) { c.Pagination.Strategy = "keyset" },
			wantErr: "Pagination.Strategy",
		},
		{
			name:    "unknown loader strategy",
			mutate:  func(c *Configuration) { c.Loader.Strategy = "eager" },
			wantErr: "Loader.Strategy",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Configuration) { c.Monitoring.Logging.Level = "LOUD" },
			wantErr: "Monitoring.Logging.Level",
		},
		{
			name:    "page size above maximum",
			mutate:  func(c *Configuration) { c.Pagination.PageSize = 2000 },
			wantErr: "exceeds max_page_size",
		},
		{
			name:    "zero batch timeout",
			mutate:  func(c *Configuration) { c.Query.BatchTimeout = 0 },
			wantErr: "batch_timeout",
		},
		{
			name: "duplicate quota",
			mutate: func(c *Configuration) {
				q := types.ResourceQuota{ResourceType: types.ResourceMemory, MaxValue: 10, WarningThreshold: 80, CriticalThreshold: 90}
				c.Resources.Quotas = []types.ResourceQuota{q, q}
			},
			wantErr: "duplicate",
		},
		{
			name: "unknown quota type",
			mutate: func(c *Configuration) {
				c.Resources.Quotas = []types.ResourceQuota{{ResourceType: "gpu", MaxValue: 1}}
			},
			wantErr: "unknown resource_type",
		},
		{
			name: "inverted thresholds",
			mutate: func(c *Configuration) {
				c.Resources.Quotas = []types.ResourceQuota{{ResourceType: types.ResourceCPU, MaxValue: 50, WarningThreshold: 95, CriticalThreshold: 90}}
			},
			wantErr: "warning_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
cache:
  max_size: 42
  default_ttl: 90s
pagination:
  strategy: cursor
  page_size: 25
resources:
  quotas:
    - resource_type: memory
      max_value: 2048
      warning_threshold: 70
      critical_threshold: 85
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, 42, cfg.Cache.MaxSize)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, "cursor", cfg.Pagination.Strategy)
	assert.Equal(t, 25, cfg.Pagination.PageSize)
	// untouched sections keep defaults
	assert.Equal(t, 50, cfg.Query.BatchSize)
	require.Len(t, cfg.Resources.Quotas, 1)
	assert.Equal(t, types.ResourceMemory, cfg.Resources.Quotas[0].ResourceType)
	assert.Equal(t, int64(2048), cfg.Resources.Quotas[0].MaxValue)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := NewDefault()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: [unclosed"), 0600))
	assert.Error(t, cfg.LoadFromFile(path))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DASHPERF_LOG_LEVEL", "DEBUG")
	t.Setenv("DASHPERF_CACHE_MAX_SIZE", "5000")
	t.Setenv("DASHPERF_PAGINATION_STRATEGY", "offset")
	t.Setenv("DASHPERF_QUERY_BATCH_TIMEOUT", "25ms")
	t.Setenv("DASHPERF_COMPRESSION_ENABLED", "false")
	t.Setenv("DASHPERF_MAX_CONNECTIONS", "50")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "DEBUG", cfg.Monitoring.Logging.Level)
	assert.Equal(t, 5000, cfg.Cache.MaxSize)
	assert.Equal(t, "offset", cfg.Pagination.Strategy)
	assert.Equal(t, 25*time.Millisecond, cfg.Query.BatchTimeout)
	assert.False(t, cfg.Query.CompressionEnabled)
	assert.Equal(t, int64(50), cfg.Resources.MaxConnections)
}

func TestLoadFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("DASHPERF_CACHE_MAX_SIZE", "lots")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DASHPERF_CACHE_MAX_SIZE")
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Query.BatchTimeout = 40 * time.Millisecond
	require.NoError(t, cfg.SaveToFile(path))

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, 40*time.Millisecond, loaded.Query.BatchTimeout)
	assert.Equal(t, cfg.Pagination, loaded.Pagination)
}

func TestClone(t *testing.T) {
	cfg := NewDefault()
	cfg.Resources.Quotas = []types.ResourceQuota{{ResourceType: types.ResourceCPU, MaxValue: 50}}

	clone := cfg.Clone()
	clone.Resources.Quotas[0].MaxValue = 99
	clone.Cache.MaxSize = 1

	assert.Equal(t, int64(50), cfg.Resources.Quotas[0].MaxValue)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
}
