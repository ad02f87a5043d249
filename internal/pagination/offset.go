package pagination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/pkg/errors"
)

// OffsetProvider pages by skipping offset records.
type OffsetProvider struct {
	providerStats

	fetch           FetchFunc
	count           CountFunc
	defaultPageSize int
	totals          *cache.Cache[int]
	opts            options
	logger          *zap.Logger
}

// NewOffsetProvider creates an offset provider. When count is nil the total is
// obtained by fetching every matching record once per filter signature.
func NewOffsetProvider(fetch FetchFunc, count CountFunc, defaultPageSize int, opts ...Option) *OffsetProvider {
	o := applyOptions(opts)
	return &OffsetProvider{
		fetch:           fetch,
		count:           count,
		defaultPageSize: defaultPageSize,
		totals:          newCache[int]("offset_totals", o),
		opts:            o,
		logger:          o.logger.Named("offset"),
	}
}

// Name implements Provider.
func (op *OffsetProvider) Name() string { return StrategyOffset }

// Fetch implements Provider.
func (op *OffsetProvider) Fetch(ctx context.Context, p Params) (res Result, err error) {
	start := time.Now()
	defer func() { op.observe(start, err) }()

	p = op.opts.clampPageSize(p.normalized(op.defaultPageSize))
	offset := p.EffectiveOffset()

	records, err := op.fetch(ctx, p.fetchRequest(offset, p.PageSize))
	if err != nil {
		return Result{}, errors.NewUpstreamFailure("offset.fetch", p.CacheKey(), err)
	}

	total, err := op.total(ctx, p)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Records:     records,
		TotalCount:  total,
		Page:        offset/p.PageSize + 1,
		PageSize:    p.PageSize,
		TotalPages:  totalPages(total, p.PageSize),
		HasNext:     offset+len(records) < total,
		HasPrevious: offset > 0,
		Metadata:    map[string]any{"offset": offset},
	}, nil
}

func (op *OffsetProvider) total(ctx context.Context, p Params) (int, error) {
	if op.count != nil {
		n, err := op.count(ctx, p.Filters, p.SearchText)
		if err != nil {
			return 0, errors.NewUpstreamFailure("offset.count", p.FilterSignature(), err)
		}
		return n, nil
	}

	sig := p.FilterSignature()
	if n, ok := op.totals.Get(sig); ok {
		op.cacheHits.Add(1)
		return n, nil
	}

	op.logger.Debug("counting by full fetch", zap.String("filters", sig))
	all, err := op.fetch(ctx, p.fetchRequest(0, 0))
	if err != nil {
		return 0, errors.NewUpstreamFailure("offset.count_fallback", sig, err)
	}
	op.totals.Set(sig, len(all), 0)
	return len(all), nil
}

// Invalidate drops memoized fallback counts whose filter signature matches
// pattern.
func (op *OffsetProvider) Invalidate(pattern string) (int, error) {
	return op.totals.Invalidate(pattern)
}
