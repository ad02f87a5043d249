/*
Package engine is the composition root of dashperf.

An Engine builds every subsystem from one configuration and owns their
background loops:

	records cache      shared TTL+LRU cache for single-record lookups
	loader             lazy, dependency-ordered panel loading
	pagination         strategy provider behind a result cache and prefetcher
	query              optimizer, query cache and lookup batch executor
	resources          quota allocators, monitor and idle-pool shutdown
	metrics            Prometheus collector with /metrics, /stats and /health

Every call into the data source holds one connection slot from the resource
manager. Tunable settings are hot-reloaded when a configuration file is
watched; capacity settings apply on the next start.

Usage:

	e, err := engine.New(cfg, engine.WithSQLSource(db, sqlsource.Config{
		Table:   "orders",
		Columns: []string{"id", "customer", "total"},
	}))
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop(context.Background())

	page, err := e.FetchPage(ctx, pagination.Params{Page: 1, PageSize: 50})
*/
package engine
