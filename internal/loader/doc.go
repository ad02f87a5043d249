/*
Package loader loads named dashboard items lazily.

Items are registered with a loader function and optional priority, TTL,
dependencies and layout position. Each item moves through

	Unloaded ──load──▶ Loading ──ok──▶ Loaded ──ttl / invalidate──▶ Stale
	   ▲                  │                                          │
	   └──── Failed ◀─error┘◀──────────────────load────────────────────┘

LoadItem returns a cached value while the item is Loaded and fresh. Otherwise
dependencies are loaded depth-first and then the item itself. Concurrent
callers for the same key share one call through golang.org/x/sync/singleflight.
A caller whose context ends gets a Timeout error and stops waiting; the load
keeps running and its result still updates the item.

PreloadItems asks the active Strategy about every Unloaded, Failed or Stale
item, orders the approved ones by strategy priority and loads them with an
errgroup bounded by WithMaxConcurrentLoads. Loaders marked WithCPUBound also
take a slot from a weighted semaphore.

Dependency cycles are rejected when an item is registered.
*/
package loader
