package pagination

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dashperf/dashperf/pkg/types"
)

// SortDirection orders fetched records.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Unknown marks an unknown total count or page count.
const Unknown = -1

// Params describes one page request. Treat it as a value: providers copy
// Filters before use and never modify the caller's map.
type Params struct {
	Page     int
	PageSize int
	// Offset overrides Page when positive.
	Offset        int
	Cursor        string
	SortKey       string
	SortDirection SortDirection
	Filters       map[string]any
	SearchText    string

	// Virtual scroll window. When ScrollOffset and ContainerHeight are both
	// zero the window is derived from Page and PageSize.
	ScrollOffset    float64
	ContainerHeight float64
	ItemHeight      float64
}

// normalized returns a copy with defaults applied and Filters cloned.
func (p Params) normalized(defaultPageSize int) Params {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize < 1 {
		p.PageSize = 1
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.SortDirection == "" {
		p.SortDirection = SortAsc
	}
	if p.Filters != nil {
		filters := make(map[string]any, len(p.Filters))
		for k, v := range p.Filters {
			filters[k] = v
		}
		p.Filters = filters
	}
	return p
}

// EffectiveOffset returns Offset when set, else (Page-1)*PageSize.
func (p Params) EffectiveOffset() int {
	if p.Offset > 0 {
		return p.Offset
	}
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// WithPage returns a copy addressing another page by number.
func (p Params) WithPage(page int) Params {
	p.Page = page
	p.Offset = 0
	p.Cursor = ""
	return p
}

// WithCursor returns a copy addressing the page after cursor.
func (p Params) WithCursor(cursor string) Params {
	p.Cursor = cursor
	return p
}

// FilterSignature identifies the record set selected by the request,
// independent of which page is asked for.
func (p Params) FilterSignature() string {
	filters := "{}"
	if len(p.Filters) > 0 {
		if b, err := json.Marshal(p.Filters); err == nil {
			filters = string(b)
		} else {
			filters = fmt.Sprintf("%v", p.Filters)
		}
	}
	return fmt.Sprintf("f=%s|q=%s|s=%s:%s", filters, strings.ToLower(p.SearchText), p.SortKey, p.SortDirection)
}

// CacheKey identifies the full request.
func (p Params) CacheKey() string {
	return fmt.Sprintf("p=%d|ps=%d|o=%d|c=%s|v=%g:%g:%g|%s",
		p.Page, p.PageSize, p.Offset, p.Cursor,
		p.ScrollOffset, p.ContainerHeight, p.ItemHeight,
		p.FilterSignature())
}

func (p Params) fetchRequest(offset, limit int) FetchRequest {
	return FetchRequest{
		Offset:        offset,
		Limit:         limit,
		SortKey:       p.SortKey,
		SortDirection: p.SortDirection,
		Filters:       p.Filters,
		SearchText:    p.SearchText,
	}
}

// Result is one page of records.
type Result struct {
	Records        []types.Record
	TotalCount     int
	Page           int
	PageSize       int
	TotalPages     int
	HasNext        bool
	HasPrevious    bool
	NextCursor     string
	PreviousCursor string
	Metadata       map[string]any
}

// clone copies the records, each record map and the metadata map.
func (r Result) clone() Result {
	r.Records = cloneRecords(r.Records)
	if r.Metadata != nil {
		md := make(map[string]any, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

func cloneRecords(in []types.Record) []types.Record {
	if in == nil {
		return nil
	}
	out := make([]types.Record, len(in))
	for i, rec := range in {
		out[i] = rec.Clone()
	}
	return out
}

func (r *Result) setMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

func totalPages(total, pageSize int) int {
	if total < 0 || pageSize <= 0 {
		return Unknown
	}
	pages := total / pageSize
	if total%pageSize > 0 {
		pages++
	}
	return pages
}
