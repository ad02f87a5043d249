package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/internal/loader"
	"github.com/dashperf/dashperf/internal/pagination"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
	"github.com/dashperf/dashperf/pkg/utils"
)

var connectionSlot = types.ResourceRequest{ResourceType: types.ResourceConnections, Amount: 1}

// FetchPage serves one page through the caching pagination provider.
func (e *Engine) FetchPage(ctx context.Context, p pagination.Params) (pagination.Result, error) {
	start := time.Now()
	if err := e.resources.Threads().TouchPool(prefetchPool); err != nil && !errors.IsNotFound(err) {
		e.logger.Debug("prefetch pool touch failed", zap.Error(err))
	}
	res, err := e.pages.Fetch(ctx, p)
	e.metrics.RecordOperation("fetch_page", time.Since(start), err)
	return res, err
}

// Lookup returns the record whose cursor field equals id. Concurrent lookups
// are coalesced into one source fetch per batch window.
func (e *Engine) Lookup(ctx context.Context, id any) (types.Record, error) {
	field := e.Config().Pagination.CursorField
	key := fmt.Sprintf("%s=%v", field, id)
	if rec, ok := e.records.Get(key); ok {
		return rec.Clone(), nil
	}

	start := time.Now()
	rec, err := e.lookups.Submit(ctx, "lookup:"+field, id)
	if err == nil && rec == nil {
		err = errors.NewNotFound("lookup", key)
	}
	e.metrics.RecordOperation("lookup", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	e.records.Set(key, rec.Clone(), 0)
	return rec, nil
}

// lookupBatch fetches every requested id in one source call and returns the
// records in key order, nil where no record matched.
func (e *Engine) lookupBatch(ctx context.Context, _ string, ids []any) ([]types.Record, error) {
	field := e.Config().Pagination.CursorField
	records, err := e.guardedFetch(ctx, pagination.FetchRequest{
		Filters: map[string]any{field: ids},
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]types.Record, len(records))
	for _, r := range records {
		byID[fmt.Sprint(r[field])] = r
	}
	out := make([]types.Record, len(ids))
	for i, id := range ids {
		out[i] = byID[fmt.Sprint(id)]
	}
	return out, nil
}

// Count returns the number of records matching filters and search text.
func (e *Engine) Count(ctx context.Context, filters map[string]any, searchText string) (int, error) {
	start := time.Now()
	n, err := e.guardedCount(ctx, filters, searchText)
	e.metrics.RecordOperation("count", time.Since(start), err)
	return n, err
}

// RegisterPanel registers a lazily loaded dashboard panel.
func (e *Engine) RegisterPanel(key string, fn loader.LoaderFunc, opts ...loader.ItemOption) error {
	return e.loader.RegisterItem(key, fn, opts...)
}

// LoadPanel loads one panel and its dependencies.
func (e *Engine) LoadPanel(ctx context.Context, key string, lc loader.LoadContext) (any, error) {
	start := time.Now()
	v, err := e.loader.LoadItem(ctx, key, lc)
	e.metrics.RecordOperation("load_panel", time.Since(start), err)
	return v, err
}

// PreloadPanels asks the loader strategy which panels to load for lc.
func (e *Engine) PreloadPanels(ctx context.Context, lc loader.LoadContext) ([]string, error) {
	return e.loader.PreloadItems(ctx, lc)
}

// InvalidateData drops every cached page, lookup and query result after the
// underlying data changed.
func (e *Engine) InvalidateData() (int, error) {
	pages, err := e.pages.Invalidate("")
	if err != nil {
		return 0, err
	}
	records, err := e.records.Invalidate("")
	if err != nil {
		return pages, err
	}
	total := pages + records
	if e.source != nil {
		n, err := e.source.InvalidateCache()
		if err != nil {
			return total, err
		}
		total += n
	}
	e.logger.Info("data caches invalidated", zap.Int("entries", total))
	return total, nil
}

// guardedFetch holds one connection slot for the duration of a source fetch.
func (e *Engine) guardedFetch(ctx context.Context, req pagination.FetchRequest) ([]types.Record, error) {
	if err := e.resources.Allocate(ctx, connectionSlot); err != nil {
		e.metrics.RecordError("source", err)
		return nil, err
	}
	defer e.resources.Release(connectionSlot)

	records, err := e.fetch(ctx, req)
	e.health.Record(componentSource, err)
	return records, err
}

func (e *Engine) guardedCount(ctx context.Context, filters map[string]any, searchText string) (int, error) {
	if e.count == nil {
		return 0, errors.NewNotFound("source", "count")
	}
	if err := e.resources.Allocate(ctx, connectionSlot); err != nil {
		e.metrics.RecordError("source", err)
		return 0, err
	}
	defer e.resources.Release(connectionSlot)

	n, err := e.count(ctx, filters, searchText)
	e.health.Record(componentSource, err)
	return n, err
}

// applyReload applies the settings that running components accept in place:
// the records cache default TTL, the lookup batch window and the log level.
// Other reloaded values take effect on the next start.
func (e *Engine) applyReload(old, updated *config.Configuration) {
	e.cfgMu.Lock()
	e.cfg = updated.Clone()
	e.cfgMu.Unlock()
	e.reloads.Add(1)

	if old.Cache.DefaultTTL != updated.Cache.DefaultTTL {
		e.records.SetDefaultTTL(updated.Cache.DefaultTTL)
	}
	if old.Query.BatchTimeout != updated.Query.BatchTimeout {
		e.lookups.SetMaxWaitTime(updated.Query.BatchTimeout)
	}
	if e.level != nil && old.Monitoring.Logging.Level != updated.Monitoring.Logging.Level {
		if level, err := utils.ParseLogLevel(updated.Monitoring.Logging.Level); err == nil {
			e.level.SetLevel(level)
		}
	}

	e.logger.Info("configuration reload applied",
		zap.Duration("cache_default_ttl", updated.Cache.DefaultTTL),
		zap.Duration("batch_timeout", updated.Query.BatchTimeout),
		zap.String("log_level", updated.Monitoring.Logging.Level))
}
