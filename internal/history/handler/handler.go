// Package handler serves a tenant's history over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"chronicle/internal/history/models"
	"chronicle/internal/history/query"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/httputil"
	request "chronicle/pkg/platform/middleware/request"
	strutil "chronicle/pkg/platform/strings"
)

// HeaderNextPage carries the URL of the following page.
const HeaderNextPage = "Next-Page"

const (
	historyPattern = "/tenants/{tenantID}/history"
	paramLimit     = "_limit"
	paramSort      = "_sort"
	paramFields    = "_fields"
	paramToken     = "_token"
)

// Service lists history on behalf of the principal in context.
type Service interface {
	List(ctx context.Context, tenantID string, req query.Request) (*query.Page, error)
}

// Handler handles history endpoints.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

// New creates a history Handler.
func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register registers the history routes. The history is read-only and its
// entries are not addressable one by one.
func (h *Handler) Register(r chi.Router) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.Method(method, historyPattern, http.HandlerFunc(h.handleMethodNotAllowed))
	}
	r.Get(historyPattern, h.handleList)
	r.HandleFunc(historyPattern+"/*", h.handleNotFound)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	tenantID := chi.URLParam(r, "tenantID")

	req, err := parseRequest(r.URL.Query())
	if err != nil {
		h.logger.WarnContext(ctx, "invalid history query",
			"tenant_id", tenantID,
			"error", err.Error(),
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	page, err := h.svc.List(ctx, tenantID, req)
	if err != nil {
		if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "failed to list history",
				"tenant_id", tenantID,
				"error", err.Error(),
				"request_id", requestID,
			)
		}
		httputil.WriteError(w, err)
		return
	}

	if page.NextCursor != nil {
		token, err := page.NextCursor.Encode()
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to encode history cursor",
				"tenant_id", tenantID,
				"error", err.Error(),
				"request_id", requestID,
			)
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to paginate history"))
			return
		}
		w.Header().Set(HeaderNextPage, nextPageURL(r, token))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": page.Items})
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	httputil.WriteError(w, dErrors.New(dErrors.CodeMethodNotAllowed, "history is read-only"))
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "history entries are not addressable"))
}

// parseRequest maps query parameters onto a query.Request. Parameters
// starting with an underscore are controls; unknown controls are ignored.
// Every other parameter is a filter.
func parseRequest(values url.Values) (query.Request, error) {
	req := query.Request{Filters: map[string]string{}}

	for name, vals := range values {
		if len(vals) == 0 {
			continue
		}
		value := vals[0]
		switch {
		case name == paramLimit:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return req, dErrors.New(dErrors.CodeInvalidFilter, paramLimit+": must be a positive integer")
			}
			req.Limit = n
		case name == paramSort:
			req.Sort = strings.TrimSpace(value)
		case name == paramFields:
			req.Fields = strutil.SplitList(value)
		case name == paramToken:
			cursor, err := models.DecodeCursor(value)
			if err != nil {
				return req, dErrors.Wrap(err, dErrors.CodeInvalidFilter, paramToken+": invalid pagination token")
			}
			req.Cursor = &cursor
		case strings.HasPrefix(name, "_"):
		default:
			if !query.IsFilter(name) {
				return req, dErrors.New(dErrors.CodeInvalidFilter, name+": unknown filter")
			}
			req.Filters[name] = value
		}
	}
	return req, nil
}

// nextPageURL rebuilds the request URL with _token replaced.
func nextPageURL(r *http.Request, token string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	q := r.URL.Query()
	q.Set(paramToken, token)
	u := url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: q.Encode(),
	}
	return u.String()
}
