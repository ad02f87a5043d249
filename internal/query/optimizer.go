package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/pkg/errors"
)

// ColumnsParam names the parameter carrying an explicit column list
// ([]string) that replaces a SELECT * projection. It is consumed by Optimize.
const ColumnsParam = "_columns"

// defaultRowEstimate is the row estimate for an unbounded scan.
const defaultRowEstimate = 1000

// Plan is the analysis of one query.
type Plan struct {
	QueryID                string   `json:"query_id"`
	QueryType              Type     `json:"query_type"`
	EstimatedCost          float64  `json:"estimated_cost"`
	EstimatedRowCount      int      `json:"estimated_row_count"`
	SuggestedOptimizations []string `json:"suggested_optimizations"`
	CacheKey               string   `json:"cache_key"`
	BatchGroupKey          string   `json:"batch_group_key"`
}

// Query is a query text with its bound parameters.
type Query struct {
	Text   string
	Params map[string]any
}

// Rule is one rewrite step. Rules must not modify params in place.
type Rule struct {
	Name  string
	Apply func(query string, params map[string]any) (string, map[string]any, error)
}

// OptimizerConfig tunes the optimizer.
type OptimizerConfig struct {
	BaseCost          float64
	DefaultLimit      int
	ApplyDefaultLimit bool
	MaxGroupSize      int
	// DuplicateDistance is the largest edit distance at which two queries
	// that differ only in literals are reported as near-duplicates.
	DuplicateDistance int
	RecentQueries     int
	// Indexes lists the indexed columns per table.
	Indexes map[string][]string
}

// OptimizerConfigFrom maps configuration onto the optimizer.
func OptimizerConfigFrom(cfg config.QueryConfig) OptimizerConfig {
	return OptimizerConfig{
		BaseCost:          cfg.BaseCost,
		DefaultLimit:      cfg.DefaultLimit,
		ApplyDefaultLimit: cfg.ApplyDefaultLimit,
		MaxGroupSize:      cfg.MaxGroupSize,
		DuplicateDistance: cfg.DuplicateDistance,
		RecentQueries:     cfg.RecentQueries,
	}
}

// Optimizer rewrites and analyzes queries. Plans are memoized per
// (query, params).
type Optimizer struct {
	cfg     OptimizerConfig
	rules   []Rule
	indexes map[string]map[string]struct{}
	plans   *cache.Cache[Plan]
	logger  *zap.Logger

	recentMu sync.Mutex
	recent   []string

	analyzed     atomic.Int64
	memoHits     atomic.Int64
	rewrites     atomic.Int64
	ruleFailures atomic.Int64
}

// NewOptimizer creates an optimizer with the built-in rules followed by extra.
func NewOptimizer(cfg OptimizerConfig, logger *zap.Logger, extra ...Rule) *Optimizer {
	if cfg.BaseCost <= 0 {
		cfg.BaseCost = 1.0
	}
	if cfg.MaxGroupSize <= 0 {
		cfg.MaxGroupSize = 10
	}
	if cfg.RecentQueries <= 0 {
		cfg.RecentQueries = 64
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Optimizer{
		cfg:     cfg,
		indexes: make(map[string]map[string]struct{}),
		plans: cache.New[Plan](cache.Config{
			MaxSize:    1024,
			DefaultTTL: -1,
			ThreadSafe: true,
		}, cache.WithName("query_plans")),
		logger: logger.Named("optimizer"),
	}
	for table, cols := range cfg.Indexes {
		for _, c := range cols {
			o.addIndex(table, c)
		}
	}

	o.rules = append(o.rules, Rule{Name: "explicit_columns", Apply: explicitColumns})
	if cfg.ApplyDefaultLimit {
		o.rules = append(o.rules, Rule{Name: "default_limit", Apply: defaultLimit(cfg.DefaultLimit)})
	}
	o.rules = append(o.rules, extra...)
	return o
}

func (o *Optimizer) addIndex(table, column string) {
	table = strings.ToLower(table)
	if o.indexes[table] == nil {
		o.indexes[table] = make(map[string]struct{})
	}
	o.indexes[table][strings.ToLower(column)] = struct{}{}
}

func explicitColumns(query string, params map[string]any) (string, map[string]any, error) {
	raw, ok := params[ColumnsParam]
	if !ok {
		return query, params, nil
	}
	out := cloneParams(params)
	delete(out, ColumnsParam)

	cols, ok := raw.([]string)
	if !ok {
		return query, params, fmt.Errorf("%s must be []string, got %T", ColumnsParam, raw)
	}
	if len(cols) == 0 {
		return query, out, nil
	}
	m := wildcardPattern.FindStringSubmatchIndex(query)
	if m == nil {
		return query, out, nil
	}
	table := query[m[2]:m[3]]
	rewritten := "SELECT " + strings.Join(cols, ", ") + " FROM " + table + query[m[1]:]
	return rewritten, out, nil
}

func defaultLimit(limit int) func(string, map[string]any) (string, map[string]any, error) {
	return func(query string, params map[string]any) (string, map[string]any, error) {
		if ClassifyType(query) != TypeSelect || hasLimit(query) {
			return query, params, nil
		}
		trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
		return trimmed + " LIMIT " + strconv.Itoa(limit), params, nil
	}
}

// Optimize applies every rule in order. A rule that fails or panics is
// logged and skipped; the remaining rules still run.
func (o *Optimizer) Optimize(query string, params map[string]any) (string, map[string]any) {
	current, currentParams := query, cloneParams(params)
	for _, rule := range o.rules {
		next, nextParams, err := o.applyRule(rule, current, currentParams)
		if err != nil {
			o.ruleFailures.Add(1)
			o.logger.Warn("rewrite rule skipped", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		if next != current {
			o.rewrites.Add(1)
		}
		current, currentParams = next, nextParams
	}
	return current, currentParams
}

func (o *Optimizer) applyRule(rule Rule, query string, params map[string]any) (q string, p map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewPanicRecovered("rule."+rule.Name, r)
		}
	}()
	return rule.Apply(query, params)
}

// Analyze returns the plan for query, reusing a memoized plan for a repeated
// (query, params).
func (o *Optimizer) Analyze(query string, params map[string]any) Plan {
	key := CacheKey(query, params)
	if plan, ok := o.plans.Get(key); ok {
		o.memoHits.Add(1)
		return clonePlan(plan)
	}
	o.analyzed.Add(1)

	joins := len(joinPattern.FindAllStringIndex(query, -1))
	filters := filterColumns(query)
	ordered := hasOrderBy(query)
	limited := hasLimit(query)

	cost := o.cfg.BaseCost * math.Pow(2, float64(joins)) * math.Pow(1.5, float64(len(filters)))
	if ordered {
		cost *= 1.5
	}

	rows := defaultRowEstimate * (joins + 1)
	for range filters {
		rows /= 2
	}
	if m := limitPattern.FindStringSubmatch(query); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n < rows {
			rows = n
		}
	}
	if rows < 1 {
		rows = 1
	}

	var suggestions []string
	entities := Entities(query)
	for _, col := range filters {
		if !o.indexed(entities, col) {
			suggestions = append(suggestions, "consider an index on "+col)
		}
	}
	if wildcardPattern.MatchString(query) && !limited {
		suggestions = append(suggestions, "unbounded SELECT *: list columns or add LIMIT")
	}
	if ordered && !limited {
		suggestions = append(suggestions, "ORDER BY without LIMIT sorts the full result")
	}
	if dup, ok := o.nearDuplicate(query); ok {
		suggestions = append(suggestions, "parameterize: differs from a recent query only in literals ("+truncate(dup, 60)+")")
	}

	plan := Plan{
		QueryID:                uuid.New().String(),
		QueryType:              ClassifyType(query),
		EstimatedCost:          cost,
		EstimatedRowCount:      rows,
		SuggestedOptimizations: suggestions,
		CacheKey:               key,
		BatchGroupKey:          GroupKey(query),
	}
	o.plans.Set(key, plan, 0)
	return clonePlan(plan)
}

func (o *Optimizer) indexed(entities []string, column string) bool {
	for _, e := range entities {
		if _, ok := o.indexes[e][column]; ok {
			return true
		}
	}
	return false
}

// nearDuplicate records query among recent ones and reports a recent query
// it matches once literals are ignored.
func (o *Optimizer) nearDuplicate(query string) (string, bool) {
	o.recentMu.Lock()
	defer o.recentMu.Unlock()

	norm := normalize(query)
	match, found := "", false
	for _, prev := range o.recent {
		if prev == query || normalize(prev) != norm {
			continue
		}
		if levenshtein.ComputeDistance(prev, query) <= o.cfg.DuplicateDistance {
			match, found = prev, true
			break
		}
	}

	o.recent = append(o.recent, query)
	if len(o.recent) > o.cfg.RecentQueries {
		o.recent = o.recent[len(o.recent)-o.cfg.RecentQueries:]
	}
	return match, found
}

// BatchOptimize groups queries by type and referenced tables, preserving
// first-seen order, and splits groups larger than MaxGroupSize.
func (o *Optimizer) BatchOptimize(queries []Query) [][]Query {
	var order []string
	groups := make(map[string][]Query)
	for _, q := range queries {
		key := GroupKey(q.Text)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], q)
	}

	var out [][]Query
	for _, key := range order {
		group := groups[key]
		for len(group) > o.cfg.MaxGroupSize {
			out = append(out, group[:o.cfg.MaxGroupSize])
			group = group[o.cfg.MaxGroupSize:]
		}
		out = append(out, group)
	}
	return out
}

// Statistics implements types.StatsProvider.
func (o *Optimizer) Statistics() map[string]float64 {
	return map[string]float64{
		"analyzed":      float64(o.analyzed.Load()),
		"memo_hits":     float64(o.memoHits.Load()),
		"rewrites":      float64(o.rewrites.Load()),
		"rule_failures": float64(o.ruleFailures.Load()),
		"memoized":      float64(o.plans.Len()),
	}
}

func clonePlan(p Plan) Plan {
	p.SuggestedOptimizations = append([]string(nil), p.SuggestedOptimizations...)
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
