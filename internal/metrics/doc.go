// Package metrics exports dashperf statistics.
//
// A Collector gathers the flat statistics of every registered component
// (anything implementing types.StatsProvider) and publishes them as the
// gauge <namespace>_component_statistic{component,statistic}. It also counts
// operations, errors by code and cache events, and serves everything on a chi
// router:
//
//	GET /metrics              Prometheus exposition
//	GET /stats                JSON snapshot of every component
//	GET /stats/{component}    JSON snapshot of one component
//	GET /health               200 when every health check passes, else 503
package metrics
