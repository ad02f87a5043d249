/*
Package config provides layered configuration for dashperf.

Sources are applied in increasing precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (DASHPERF_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/dashperf/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

File format:

	cache:
	  max_size: 1000
	  default_ttl: 5m
	  thread_safe: true
	pagination:
	  strategy: adaptive
	  page_size: 50
	  prefetch_pages: 1
	  prefetch_delay: 100ms
	query:
	  batch_size: 50
	  batch_timeout: 10ms
	  compression_enabled: true
	resources:
	  max_memory_mb: 1024
	  max_wait_time: 5s
	  quotas:
	    - resource_type: memory
	      max_value: 2048
	      warning_threshold: 75
	      critical_threshold: 90

Environment variables:

	DASHPERF_LOG_LEVEL=DEBUG
	DASHPERF_CACHE_MAX_SIZE=5000
	DASHPERF_PAGINATION_STRATEGY=cursor
	DASHPERF_QUERY_BATCH_TIMEOUT=25ms
	DASHPERF_MAX_CONNECTIONS=50

A malformed numeric, boolean or duration value is an error rather than being
silently ignored.

# Validation

Validate runs go-playground/validator struct tags (ranges, enums) and then
cross-field rules: page size within the maximum, positive intervals, and one
well-formed quota per resource type.

# Hot Reload

Watcher polls the file with argus and applies only the tunable subset
(TTLs, batch window, prefetch depth, monitor interval, log level). A reload
that fails validation is logged and discarded; the previous configuration
stays active.
*/
package config
