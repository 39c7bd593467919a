// Package query serves filtered, sorted, paginated and projected reads of a
// tenant's history.
package query

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"chronicle/internal/history/metrics"
	"chronicle/internal/history/models"
	"chronicle/internal/history/permission"
	"chronicle/internal/history/store"
	"chronicle/internal/platform/tracing"
	dErrors "chronicle/pkg/domain-errors"
)

const (
	DefaultPageSize = 25
	DefaultMaxPage  = 1000
)

// Sort orders accepted by Query. Event time never decreases as sort keys
// grow, so both fields share one ordering.
const (
	SortKeyDesc   = "-sort_key"
	SortKeyAsc    = "sort_key"
	EventTimeDesc = "-event_time"
	EventTimeAsc  = "event_time"
)

// filterAliases maps accepted filter names to entry fields.
var filterAliases = map[string]string{
	"action":        "action",
	"resource_name": "resource_name",
	"resource_kind": "resource_name",
	"uri":           "uri",
	"tenant_id":     "tenant_id",
	"bucket_id":     "tenant_id",
	"collection_id": "collection_id",
	"group_id":      "group_id",
	"record_id":     "record_id",
	"principal_id":  "principal_id",
}

// IsFilter reports whether name is an accepted filter parameter.
func IsFilter(name string) bool {
	_, ok := filterAliases[name]
	return ok
}

// Scanner is the read side of the history store.
type Scanner interface {
	Scan(ctx context.Context, tenantID string, opts store.ScanOptions) iter.Seq2[*models.Entry, error]
	Head(ctx context.Context, tenantID string) (int64, error)
}

// Request describes one page of a query.
type Request struct {
	// Filters are exact-match conditions, combined with AND.
	Filters map[string]string
	Sort    string
	// Limit of 0 selects the default page size.
	Limit  int
	Cursor *models.Cursor
	// Fields restricts the attributes returned. id and sort_key are always
	// included.
	Fields []string
}

// Page is one page of results.
type Page struct {
	Items      []map[string]any
	NextCursor *models.Cursor
}

// Engine runs queries against a Scanner.
type Engine struct {
	scanner     Scanner
	maxPageSize int
	metrics     *metrics.Metrics
}

type Option func(*Engine)

// WithMaxPageSize caps the page size. Larger limits are silently lowered.
func WithMaxPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPageSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New constructs an Engine.
func New(scanner Scanner, opts ...Option) *Engine {
	e := &Engine{scanner: scanner, maxPageSize: DefaultMaxPage}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type plan struct {
	filters    map[string]string
	descending bool
	limit      int
	fields     []string
	// empty is set when two aliases of one field ask for different values.
	empty bool
}

func (e *Engine) plan(req Request) (plan, error) {
	p := plan{filters: make(map[string]string, len(req.Filters))}

	for name, value := range req.Filters {
		field, ok := filterAliases[name]
		if !ok {
			return p, invalid(name, "unknown filter")
		}
		switch field {
		case "action":
			if !models.Action(value).IsValid() {
				return p, invalid(name, fmt.Sprintf("unknown action %q", value))
			}
		case "resource_name":
			if !models.ResourceKind(value).IsValid() {
				return p, invalid(name, fmt.Sprintf("unknown resource %q", value))
			}
		}
		if prev, dup := p.filters[field]; dup && prev != value {
			p.empty = true
		}
		p.filters[field] = value
	}

	switch req.Sort {
	case "", SortKeyDesc, EventTimeDesc:
		p.descending = true
	case SortKeyAsc, EventTimeAsc:
	default:
		return p, invalid("_sort", fmt.Sprintf("cannot sort by %q", strings.TrimPrefix(req.Sort, "-")))
	}

	switch {
	case req.Limit < 0:
		return p, invalid("_limit", "must be a positive integer")
	case req.Limit == 0:
		p.limit = min(DefaultPageSize, e.maxPageSize)
	default:
		p.limit = min(req.Limit, e.maxPageSize)
	}

	if len(req.Fields) > 0 {
		for _, f := range req.Fields {
			if !slices.Contains(models.FieldNames, f) {
				return p, invalid("_fields", fmt.Sprintf("unknown field %q", f))
			}
		}
		p.fields = append([]string{"id", "sort_key"}, req.Fields...)
	}

	if req.Cursor != nil && req.Cursor.Descending != p.descending {
		return p, invalid("_token", "token does not match the requested sort")
	}
	return p, nil
}

// Query returns one page of the tenant's history visible in scope.
func (e *Engine) Query(ctx context.Context, tenantID string, scope permission.Scope, req Request) (page *Page, err error) {
	start := time.Now()
	ctx, end := tracing.StartSpan(ctx, "history.query",
		attribute.String("tenant_id", tenantID),
		attribute.String("scope", scope.Level.String()),
	)
	defer func() {
		e.metrics.ObserveQuery(start)
		end(err)
	}()

	p, err := e.plan(req)
	if err != nil {
		return nil, err
	}
	page = &Page{Items: []map[string]any{}}
	if scope.Level == permission.LevelNone || p.empty {
		return page, nil
	}

	opts, snapshot, err := e.bounds(ctx, tenantID, p, req.Cursor)
	if err != nil {
		return nil, err
	}
	if snapshot == 0 && !p.descending {
		return page, nil
	}

	var last *models.Entry
	for entry, err := range e.scanner.Scan(ctx, tenantID, opts) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "history query cancelled")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read history")
		}
		if !scope.Allows(entry.URI) || !matches(entry, p.filters) {
			continue
		}
		if len(page.Items) == p.limit {
			page.NextCursor = &models.Cursor{Last: last.SortKey, Snapshot: snapshot, Descending: p.descending}
			break
		}
		if p.descending && snapshot == 0 {
			snapshot = entry.SortKey
		}
		page.Items = append(page.Items, project(entry, p.fields))
		last = entry
	}
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "history query cancelled")
	}

	tracing.SetAttributes(ctx, attribute.Int("results", len(page.Items)))
	return page, nil
}

// bounds turns the cursor into scan options. The snapshot is the highest sort
// key in the pagination sequence; ascending pages never read past it.
func (e *Engine) bounds(ctx context.Context, tenantID string, p plan, cursor *models.Cursor) (store.ScanOptions, int64, error) {
	opts := store.ScanOptions{Descending: p.descending}
	if cursor != nil {
		if p.descending {
			opts.Before = cursor.Last
		} else {
			opts.After = cursor.Last
			opts.Before = cursor.Snapshot + 1
		}
		return opts, cursor.Snapshot, nil
	}
	if p.descending {
		return opts, 0, nil
	}
	head, err := e.scanner.Head(ctx, tenantID)
	if err != nil {
		return opts, 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read history head")
	}
	opts.Before = head + 1
	return opts, head, nil
}

func matches(e *models.Entry, filters map[string]string) bool {
	for field, want := range filters {
		if fieldValue(e, field) != want {
			return false
		}
	}
	return true
}

func fieldValue(e *models.Entry, field string) string {
	switch field {
	case "action":
		return string(e.Action)
	case "resource_name":
		return string(e.ResourceKind)
	case "uri":
		return e.URI
	case "tenant_id":
		return e.TenantID
	case "collection_id":
		return e.CollectionID
	case "group_id":
		return e.GroupID
	case "record_id":
		return e.RecordID
	case "principal_id":
		return e.PrincipalID
	}
	return ""
}

func project(e *models.Entry, fields []string) map[string]any {
	all := e.Fields()
	if len(fields) == 0 {
		return all
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out
}

func invalid(param, reason string) error {
	return dErrors.New(dErrors.CodeInvalidFilter, fmt.Sprintf("%s: %s", param, reason))
}
