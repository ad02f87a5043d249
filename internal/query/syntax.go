package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Type classifies a query by its leading keyword.
type Type string

const (
	TypeSelect Type = "select"
	TypeInsert Type = "insert"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
	TypeOther  Type = "other"
)

var (
	entityPattern   = regexp.MustCompile(`(?i)\b(?:from|join|into|update)\s+([a-zA-Z_][\w.]*)`)
	joinPattern     = regexp.MustCompile(`(?i)\bjoin\b`)
	wherePattern    = regexp.MustCompile(`(?is)\bwhere\b(.*?)(?:\bgroup\s+by\b|\border\s+by\b|\blimit\b|\bhaving\b|$)`)
	connective      = regexp.MustCompile(`(?i)\s+(?:and|or)\s+`)
	predicateColumn = regexp.MustCompile(`(?i)^\(*\s*(?:[a-zA-Z_]\w*\.)?([a-zA-Z_]\w*)\s*(?:=|!=|<>|<=|>=|<|>|\blike\b|\bin\b|\bis\b|\bbetween\b)`)
	orderByPattern  = regexp.MustCompile(`(?i)\border\s+by\b`)
	limitPattern    = regexp.MustCompile(`(?i)\blimit\s+(\d+|\?|\$\d+|:\w+)`)
	wildcardPattern = regexp.MustCompile(`(?i)^\s*select\s+\*\s+from\s+([a-zA-Z_][\w.]*)`)
	stringLiteral   = regexp.MustCompile(`'(?:[^']|'')*'`)
	numberLiteral   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespace      = regexp.MustCompile(`\s+`)
)

// ClassifyType returns the query type from its leading keyword. WITH is
// treated as a select.
func ClassifyType(query string) Type {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return TypeOther
	}
	switch strings.ToLower(fields[0]) {
	case "select", "with":
		return TypeSelect
	case "insert":
		return TypeInsert
	case "update":
		return TypeUpdate
	case "delete":
		return TypeDelete
	default:
		return TypeOther
	}
}

// Entities returns the sorted, de-duplicated tables a query references.
func Entities(query string) []string {
	seen := make(map[string]struct{})
	for _, m := range entityPattern.FindAllStringSubmatch(query, -1) {
		seen[strings.ToLower(m[1])] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// filterColumns returns the columns named on the left of WHERE predicates.
func filterColumns(query string) []string {
	m := wherePattern.FindStringSubmatch(query)
	if m == nil {
		return nil
	}
	var cols []string
	for _, pred := range connective.Split(strings.TrimSpace(m[1]), -1) {
		if c := predicateColumn.FindStringSubmatch(strings.TrimSpace(pred)); c != nil {
			cols = append(cols, strings.ToLower(c[1]))
		}
	}
	return cols
}

func hasLimit(query string) bool { return limitPattern.MatchString(query) }

func hasOrderBy(query string) bool { return orderByPattern.MatchString(query) }

// normalize collapses whitespace and replaces literals with placeholders so
// queries differing only in constants compare equal.
func normalize(query string) string {
	q := stringLiteral.ReplaceAllString(query, "?")
	q = numberLiteral.ReplaceAllString(q, "?")
	q = whitespace.ReplaceAllString(strings.TrimSpace(q), " ")
	return strings.ToLower(q)
}

// GroupKey identifies queries that can share one batch.
func GroupKey(query string) string {
	return string(ClassifyType(query)) + ":" + strings.Join(Entities(query), ",")
}

// CacheKey derives the result cache key of a query and its parameters. The
// referenced tables lead the key so pattern invalidation can target them.
func CacheKey(query string, params map[string]any) string {
	payload, err := json.Marshal(struct {
		Query  string         `json:"query"`
		Params map[string]any `json:"params,omitempty"`
	}{query, params})
	if err != nil {
		payload = []byte(fmt.Sprintf("%s|%v", query, params))
	}
	sum := sha256.Sum256(payload)
	return GroupKey(query) + ":" + hex.EncodeToString(sum[:])
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
