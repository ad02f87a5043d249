package pagination

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dashperf/dashperf/pkg/errors"
)

// cursorData is the payload of an opaque cursor.
type cursorData struct {
	Field string `json:"f"`
	Value any    `json:"v"`
}

// EncodeCursor creates an opaque cursor for a cursor field value.
func EncodeCursor(field string, value any) (string, error) {
	data, err := json.Marshal(cursorData{Field: field, Value: value})
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeCursor returns the cursor field and value an opaque cursor carries.
func DecodeCursor(cursor string) (string, any, error) {
	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", nil, errors.NewValidation("cursor", "invalid cursor format")
	}
	var cd cursorData
	if err := json.Unmarshal(data, &cd); err != nil {
		return "", nil, errors.NewValidation("cursor", "invalid cursor data")
	}
	return cd.Field, cd.Value, nil
}

// CursorProvider pages by the position of the last seen record. Totals are
// never computed.
type CursorProvider struct {
	providerStats

	fetch           FetchFunc
	field           string
	defaultPageSize int
	opts            options
}

// NewCursorProvider creates a cursor provider keyed on field.
func NewCursorProvider(fetch FetchFunc, field string, defaultPageSize int, opts ...Option) *CursorProvider {
	if field == "" {
		field = "id"
	}
	return &CursorProvider{
		fetch:           fetch,
		field:           field,
		defaultPageSize: defaultPageSize,
		opts:            applyOptions(opts),
	}
}

// Name implements Provider.
func (cp *CursorProvider) Name() string { return StrategyCursor }

// Field returns the record field cursors are built from. It is also the only
// sort key the provider accepts.
func (cp *CursorProvider) Field() string { return cp.field }

func (cp *CursorProvider) sortsBy(p Params) bool {
	return p.SortKey == "" || p.SortKey == cp.field
}

// Fetch implements Provider.
func (cp *CursorProvider) Fetch(ctx context.Context, p Params) (res Result, err error) {
	start := time.Now()
	defer func() { cp.observe(start, err) }()

	p = cp.opts.clampPageSize(p.normalized(cp.defaultPageSize))
	if !cp.sortsBy(p) {
		return Result{}, errors.NewValidation("sort_key",
			fmt.Sprintf("cursor paging sorts by %q, got %q", cp.field, p.SortKey))
	}

	req := p.fetchRequest(0, p.PageSize+1)
	req.SortKey = cp.field
	if p.Cursor != "" {
		field, value, err := DecodeCursor(p.Cursor)
		if err != nil {
			return Result{}, err
		}
		if field != cp.field {
			return Result{}, errors.NewValidation("cursor", fmt.Sprintf("cursor is for field %q, provider uses %q", field, cp.field))
		}
		req.After = value
	}

	records, err := cp.fetch(ctx, req)
	if err != nil {
		return Result{}, errors.NewUpstreamFailure("cursor.fetch", p.CacheKey(), err)
	}

	hasNext := len(records) > p.PageSize
	if hasNext {
		records = records[:p.PageSize]
	}

	res = Result{
		Records:        records,
		TotalCount:     Unknown,
		Page:           p.Page,
		PageSize:       p.PageSize,
		TotalPages:     Unknown,
		HasNext:        hasNext,
		HasPrevious:    p.Cursor != "",
		PreviousCursor: p.Cursor,
	}

	if hasNext && len(records) > 0 {
		last := records[len(records)-1]
		value, ok := last[cp.field]
		if !ok {
			return Result{}, errors.NewValidation(cp.field, "record is missing the cursor field")
		}
		if res.NextCursor, err = EncodeCursor(cp.field, value); err != nil {
			return Result{}, errors.NewInternal("cursor.encode", err)
		}
	}
	return res, nil
}
