/*
Package cache provides the bounded TTL cache shared by every dashperf subsystem.

	┌─────────────────────────────────────────────┐
	│   Loader · Pagination · Query · Resource    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               Cache[V]                      │  ← This Package
	│   map[key]*entry   +   recency list         │
	│   TTL check on read, LRU on insert          │
	└─────────────────────────────────────────────┘

# Semantics

An entry is live while now <= expiresAt. Reading an expired entry removes it
and counts a miss. Inserting a new key into a full cache evicts the least
recently accessed entry; updating an existing key never evicts. Invalidate
takes a regular expression (empty clears everything) and an invalid
expression removes nothing.

# Time

The default clock reads github.com/agilira/go-timecache, which avoids a
syscall per lookup. Recency is tracked by list position rather than by
timestamp, so the coarse clock never produces eviction ties. Tests inject a
manual clock with WithClock.

# Concurrency

With Config.ThreadSafe every operation takes a single mutex held for a short,
I/O-free section. Without it a no-op locker is used and the caller must
serialise access. Observer callbacks run after the lock is released.

# Usage

	c := cache.New[[]types.Record](cache.Config{
		MaxSize:         1000,
		DefaultTTL:      5 * time.Minute,
		ThreadSafe:      true,
		CleanupInterval: time.Minute,
	}, cache.WithLogger(logger))
	c.StartJanitor(ctx)
	defer c.Close()

	c.Set("page:1", records, 0)
	if v, ok := c.Get("page:1"); ok {
		...
	}
	removed, err := c.Invalidate("^page:")
*/
package cache
