// Package query rewrites and analyzes dashboard queries, coalesces
// concurrent lookups into batches, and caches query results.
//
// The package treats queries as text. It never executes them; execution
// belongs to the functions callers hand to BatchExecutor or to the data
// source behind the pagination engine.
package query
