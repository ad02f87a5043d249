package pagination

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// VirtualConfig sizes the virtual scroll window.
type VirtualConfig struct {
	ItemHeight      float64
	ContainerHeight float64
	// BufferSize records are fetched on each side of the visible window.
	BufferSize int
}

// VirtualScrollProvider fetches the visible window of a scrolling list plus
// a buffer on each side. Expanded ranges are cached so small scroll moves are
// served without a fetch.
type VirtualScrollProvider struct {
	providerStats

	fetch           FetchFunc
	count           CountFunc
	cfg             VirtualConfig
	defaultPageSize int
	ranges          *cache.Cache[[]types.Record]
	opts            options
}

// NewVirtualScrollProvider creates a virtual scroll provider. count may be nil,
// in which case the total stays unknown.
func NewVirtualScrollProvider(fetch FetchFunc, count CountFunc, cfg VirtualConfig, defaultPageSize int, opts ...Option) *VirtualScrollProvider {
	if cfg.ItemHeight <= 0 {
		cfg.ItemHeight = 40
	}
	if cfg.ContainerHeight <= 0 {
		cfg.ContainerHeight = 800
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}
	o := applyOptions(opts)
	return &VirtualScrollProvider{
		fetch:           fetch,
		count:           count,
		cfg:             cfg,
		defaultPageSize: defaultPageSize,
		ranges:          newCache[[]types.Record]("virtual_ranges", o),
		opts:            o,
	}
}

// Name implements Provider.
func (vp *VirtualScrollProvider) Name() string { return StrategyVirtual }

// window returns the visible [start, end) record range.
func (vp *VirtualScrollProvider) window(p Params) (start, end int) {
	if p.ScrollOffset <= 0 && p.ContainerHeight <= 0 {
		start = p.EffectiveOffset()
		return start, start + p.PageSize
	}

	itemHeight := p.ItemHeight
	if itemHeight <= 0 {
		itemHeight = vp.cfg.ItemHeight
	}
	container := p.ContainerHeight
	if container <= 0 {
		container = vp.cfg.ContainerHeight
	}
	start = int(math.Floor(math.Max(p.ScrollOffset, 0) / itemHeight))
	visible := int(math.Ceil(container / itemHeight))
	if visible < 1 {
		visible = 1
	}
	return start, start + visible
}

// Fetch implements Provider.
func (vp *VirtualScrollProvider) Fetch(ctx context.Context, p Params) (res Result, err error) {
	started := time.Now()
	defer func() { vp.observe(started, err) }()

	p = vp.opts.clampPageSize(p.normalized(vp.defaultPageSize))
	start, end := vp.window(p)

	total := Unknown
	if vp.count != nil {
		if total, err = vp.count(ctx, p.Filters, p.SearchText); err != nil {
			return Result{}, errors.NewUpstreamFailure("virtual.count", p.FilterSignature(), err)
		}
		if end > total {
			end = total
		}
		if start > end {
			start = end
		}
	}

	bufStart := start - vp.cfg.BufferSize
	if bufStart < 0 {
		bufStart = 0
	}
	bufEnd := end + vp.cfg.BufferSize
	if total >= 0 && bufEnd > total {
		bufEnd = total
	}

	key := fmt.Sprintf("range=%d:%d|%s", bufStart, bufEnd, p.FilterSignature())
	records, hit := vp.ranges.Get(key)
	if hit {
		vp.cacheHits.Add(1)
	} else if bufEnd > bufStart {
		records, err = vp.fetch(ctx, p.fetchRequest(bufStart, bufEnd-bufStart))
		if err != nil {
			return Result{}, errors.NewUpstreamFailure("virtual.fetch", key, err)
		}
		vp.ranges.Set(key, records, 0)
	}

	lo := clampIndex(start-bufStart, len(records))
	hi := clampIndex(end-bufStart, len(records))
	visible := cloneRecords(records[lo:hi])
	endIndex := start + len(visible)

	itemHeight := p.ItemHeight
	if itemHeight <= 0 {
		itemHeight = vp.cfg.ItemHeight
	}
	knownRows := total
	if knownRows < 0 {
		knownRows = bufStart + len(records)
	}

	hasNext := endIndex < total
	if total < 0 {
		hasNext = len(records) == bufEnd-bufStart && bufEnd > bufStart
	}

	windowSize := end - start
	if windowSize < 1 {
		windowSize = p.PageSize
	}

	return Result{
		Records:     visible,
		TotalCount:  total,
		Page:        start/windowSize + 1,
		PageSize:    windowSize,
		TotalPages:  totalPages(total, windowSize),
		HasNext:     hasNext,
		HasPrevious: start > 0,
		Metadata: map[string]any{
			"virtual_height":  float64(knownRows) * itemHeight,
			"start_index":     start,
			"end_index":       endIndex,
			"buffer_start":    bufStart,
			"buffer_end":      bufStart + len(records),
			"range_cache_hit": hit,
		},
	}, nil
}

// Invalidate drops cached ranges whose key matches pattern.
func (vp *VirtualScrollProvider) Invalidate(pattern string) (int, error) {
	return vp.ranges.Invalidate(pattern)
}

// Statistics implements types.StatsProvider.
func (vp *VirtualScrollProvider) Statistics() map[string]float64 {
	stats := vp.providerStats.Statistics()
	for k, v := range vp.ranges.Statistics() {
		stats["range_cache_"+k] = v
	}
	return stats
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
