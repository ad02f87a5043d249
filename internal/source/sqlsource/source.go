package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/pagination"
	"github.com/dashperf/dashperf/internal/query"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config describes the table a Source pages over.
type Config struct {
	Table string
	// Columns are selected, and are the only names accepted as filter or
	// sort keys.
	Columns []string
	// SearchColumns are matched with LIKE against the search text.
	SearchColumns []string
	// DefaultSort orders rows when a request names no sort key.
	DefaultSort string
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOptimizer routes every statement through the optimizer's rewrite rules
// and records its plan.
func WithOptimizer(o *query.Optimizer) Option {
	return func(s *Source) { s.optimizer = o }
}

// WithQueryCache caches fetched rows and counts. ttl 0 uses the cache default.
func WithQueryCache(qc *query.QueryCache, ttl time.Duration) Option {
	return func(s *Source) {
		s.cache = qc
		s.cacheTTL = ttl
	}
}

// Source serves pagination fetch and count requests from one SQL table.
type Source struct {
	db        *sql.DB
	cfg       Config
	columns   map[string]struct{}
	logger    *zap.Logger
	optimizer *query.Optimizer
	cache     *query.QueryCache
	cacheTTL  time.Duration

	queries    atomic.Int64
	cacheHits  atomic.Int64
	failures   atomic.Int64
	costTotal  atomic.Int64
	rowsServed atomic.Int64
}

// New validates cfg and returns a Source over db.
func New(db *sql.DB, cfg Config, opts ...Option) (*Source, error) {
	if db == nil {
		return nil, errors.NewInvalidConfig("db", nil)
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, errors.NewValidation("table", "invalid identifier "+cfg.Table)
	}
	if len(cfg.Columns) == 0 {
		return nil, errors.NewValidation("columns", "at least one column is required")
	}

	s := &Source{
		db:      db,
		cfg:     cfg,
		columns: make(map[string]struct{}, len(cfg.Columns)),
		logger:  zap.NewNop(),
	}
	for _, c := range cfg.Columns {
		if !identPattern.MatchString(c) {
			return nil, errors.NewValidation("columns", "invalid identifier "+c)
		}
		s.columns[c] = struct{}{}
	}
	for _, c := range cfg.SearchColumns {
		if _, ok := s.columns[c]; !ok {
			return nil, errors.NewValidation("search_columns", "unknown column "+c)
		}
	}
	if cfg.DefaultSort == "" {
		s.cfg.DefaultSort = cfg.Columns[0]
	} else if _, ok := s.columns[cfg.DefaultSort]; !ok {
		return nil, errors.NewValidation("default_sort", "unknown column "+cfg.DefaultSort)
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sqlsource").With(zap.String("table", cfg.Table))
	return s, nil
}

// FetchFunc adapts the source to pagination.FetchFunc.
func (s *Source) FetchFunc() pagination.FetchFunc { return s.Fetch }

// CountFunc adapts the source to pagination.CountFunc.
func (s *Source) CountFunc() pagination.CountFunc { return s.Count }

// Fetch returns the rows selected by req.
func (s *Source) Fetch(ctx context.Context, req pagination.FetchRequest) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortKey := req.SortKey
	if sortKey == "" {
		sortKey = s.cfg.DefaultSort
	}
	if _, ok := s.columns[sortKey]; !ok {
		return nil, errors.NewValidation("sort_key", "unknown column "+sortKey)
	}
	dir := "ASC"
	cmp := ">"
	if req.SortDirection == pagination.SortDesc {
		dir, cmp = "DESC", "<"
	}

	where, args, err := s.where(req.Filters, req.SearchText)
	if err != nil {
		return nil, err
	}
	if req.After != nil {
		where = append(where, sortKey+" "+cmp+" ?")
		args = append(args, req.After)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(s.cfg.Columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(s.cfg.Table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s %s", sortKey, dir)
	skip := 0
	if req.Limit > 0 {
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, req.Limit, req.Offset)
	} else {
		skip = req.Offset
	}

	var records []types.Record
	if err := s.run(ctx, b.String(), args, &records, func(stmt string, args []any) error {
		rows, err := s.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		records, err = scanRecords(rows, skip)
		return err
	}); err != nil {
		return nil, errors.NewUpstreamFailure("sqlsource.fetch", s.cfg.Table, err)
	}
	s.rowsServed.Add(int64(len(records)))
	return records, nil
}

// Count returns the number of rows matching filters and search text.
func (s *Source) Count(ctx context.Context, filters map[string]any, searchText string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	where, args, err := s.where(filters, searchText)
	if err != nil {
		return 0, err
	}
	stmt := "SELECT COUNT(*) FROM " + s.cfg.Table
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.run(ctx, stmt, args, &total, func(stmt string, args []any) error {
		return s.db.QueryRowContext(ctx, stmt, args...).Scan(&total)
	}); err != nil {
		return 0, errors.NewUpstreamFailure("sqlsource.count", s.cfg.Table, err)
	}
	return total, nil
}

// run optimizes stmt, serves it from the query cache when possible and
// otherwise executes it, caching out on success.
func (s *Source) run(ctx context.Context, stmt string, args []any, out any, exec func(string, []any) error) error {
	s.queries.Add(1)

	params := map[string]any{"args": args}
	if s.optimizer != nil {
		stmt, params = s.optimizer.Optimize(stmt, params)
		plan := s.optimizer.Analyze(stmt, params)
		s.costTotal.Add(int64(plan.EstimatedCost))
		if len(plan.SuggestedOptimizations) > 0 {
			s.logger.Debug("query suggestions",
				zap.String("query_id", plan.QueryID),
				zap.Strings("suggestions", plan.SuggestedOptimizations))
		}
		if a, ok := params["args"].([]any); ok {
			args = a
		}
	}

	if s.cache != nil {
		hit, err := s.cache.Get(stmt, params, out)
		if err != nil {
			s.logger.Warn("query cache read failed", zap.Error(err))
		}
		if hit {
			s.cacheHits.Add(1)
			return nil
		}
	}

	if err := exec(stmt, args); err != nil {
		s.failures.Add(1)
		s.logger.Warn("query failed", zap.String("query", stmt), zap.Error(err))
		return err
	}

	if s.cache != nil {
		if err := s.cache.Set(stmt, params, out, s.cacheTTL); err != nil {
			s.logger.Warn("query cache write failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Source) where(filters map[string]any, searchText string) ([]string, []any, error) {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		if _, ok := s.columns[k]; !ok {
			return nil, nil, errors.NewValidation("filters", "unknown column "+k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	var args []any
	for _, k := range keys {
		switch v := filters[k].(type) {
		case nil:
			clauses = append(clauses, k+" IS NULL")
		case []any:
			clauses, args = appendIn(clauses, args, k, v)
		case []string:
			vals := make([]any, len(v))
			for i := range v {
				vals[i] = v[i]
			}
			clauses, args = appendIn(clauses, args, k, vals)
		default:
			clauses = append(clauses, k+" = ?")
			args = append(args, v)
		}
	}

	if searchText != "" && len(s.cfg.SearchColumns) > 0 {
		like := make([]string, len(s.cfg.SearchColumns))
		for i, c := range s.cfg.SearchColumns {
			like[i] = c + " LIKE ?"
			args = append(args, "%"+searchText+"%")
		}
		clauses = append(clauses, "("+strings.Join(like, " OR ")+")")
	}
	return clauses, args, nil
}

func appendIn(clauses []string, args []any, column string, values []any) ([]string, []any) {
	if len(values) == 0 {
		return append(clauses, "1 = 0"), args
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return append(clauses, column+" IN ("+marks+")"), append(args, values...)
}

func scanRecords(rows *sql.Rows, skip int) ([]types.Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	records := []types.Record{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		if skip > 0 {
			skip--
			continue
		}
		rec := make(types.Record, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = values[i]
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InvalidateCache drops every cached statement that references the table.
func (s *Source) InvalidateCache() (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	table := regexp.QuoteMeta(strings.ToLower(s.cfg.Table))
	return s.cache.Invalidate(`^[a-z]+:([^:]*,)?` + table + `(,[^:]*)?:`)
}

// Statistics reports query counts and cache use.
func (s *Source) Statistics() map[string]float64 {
	queries := s.queries.Load()
	stats := map[string]float64{
		"queries":     float64(queries),
		"cache_hits":  float64(s.cacheHits.Load()),
		"failures":    float64(s.failures.Load()),
		"rows_served": float64(s.rowsServed.Load()),
	}
	if queries > 0 && s.optimizer != nil {
		stats["avg_estimated_cost"] = float64(s.costTotal.Load()) / float64(queries)
	}
	return stats
}
