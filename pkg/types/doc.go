/*
Package types holds the value types and contracts shared by the dashperf subsystems.

Everything that crosses a subsystem boundary is defined here and passed by
value: records returned by fetch callables, cache statistics, resource quotas
and usage snapshots.

	┌──────────────┐   ┌────────────┐   ┌───────────┐   ┌──────────────┐
	│ Lazy Loader  │   │ Pagination │   │   Query   │   │   Resource   │
	│              │   │   Engine   │   │ Optimizer │   │   Manager    │
	└──────┬───────┘   └─────┬──────┘   └─────┬─────┘   └──────┬───────┘
	       │                 │                │                │
	       └─────────────────┴───────┬────────┴────────────────┘
	                                 │
	                    ┌────────────┴────────────┐
	                    │ Shared TTL+LRU cache    │
	                    │ StatsProvider contract  │
	                    └─────────────────────────┘

# Statistics contract

Every long-lived component implements StatsProvider. Statistics returns a flat
map of counters and ratios that is safe to serialize and is what the metrics
collector publishes.

# Records

A Record is one row returned by a caller-supplied fetch callable. The core
never interprets record fields except the cursor field named in the cursor
pagination configuration.
*/
package types
