// Package resource enforces quotas on CPU share, memory, worker threads and
// connections.
//
// Each resource type has an Allocator that grants capacity, waiting a bounded
// time when none is free. GlobalManager grants heterogeneous batches
// atomically and runs a monitoring loop that raises alerts and reclaims
// capacity when a quota reaches its critical threshold.
package resource
