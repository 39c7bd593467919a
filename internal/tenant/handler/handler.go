// Package handler exposes the reference resource tree over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	hmodels "chronicle/internal/history/models"
	"chronicle/internal/tenant/metrics"
	"chronicle/internal/tenant/models"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/httputil"
	request "chronicle/pkg/platform/middleware/request"
)

// Service defines the tree operations the handler exposes.
type Service interface {
	Get(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path) (*models.Node, error)
	List(ctx context.Context, kind hmodels.ResourceKind, parent hmodels.Path) ([]*models.Node, error)
	Put(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path, body models.Body) (*models.Node, bool, error)
	Create(ctx context.Context, kind hmodels.ResourceKind, parent hmodels.Path, body models.Body) (*models.Node, error)
	Patch(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path, body models.Body) (*models.Node, error)
	Delete(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path) (*models.Node, int64, error)
}

const (
	tenantPattern      = "/tenants/{tenantID}"
	collectionsPattern = tenantPattern + "/collections"
	collectionPattern  = collectionsPattern + "/{collectionID}"
	groupsPattern      = tenantPattern + "/groups"
	groupPattern       = groupsPattern + "/{groupID}"
	recordsPattern     = collectionPattern + "/records"
	recordPattern      = recordsPattern + "/{recordID}"
	batchPattern       = "/batch"
)

// DefaultMaxBatchRequests bounds the sub-requests of one batch.
const DefaultMaxBatchRequests = 25

// Handler handles resource tree endpoints.
type Handler struct {
	svc      Service
	logger   *slog.Logger
	metrics  *metrics.Metrics
	maxBatch int
}

type Option func(*Handler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithMaxBatchRequests overrides DefaultMaxBatchRequests.
func WithMaxBatchRequests(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBatch = n
		}
	}
}

// New creates a tree Handler.
func New(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{svc: svc, logger: logger, maxBatch: DefaultMaxBatchRequests}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the tree routes. Batch sub-requests are dispatched
// through r, so they reach every route registered on it.
func (h *Handler) Register(r chi.Router) {
	for pattern, kind := range map[string]hmodels.ResourceKind{
		tenantPattern:     hmodels.KindTenant,
		collectionPattern: hmodels.KindCollection,
		groupPattern:      hmodels.KindGroup,
		recordPattern:     hmodels.KindRecord,
	} {
		r.Get(pattern, h.handleGet(kind))
		r.Put(pattern, h.handlePut(kind))
		r.Patch(pattern, h.handlePatch(kind))
		r.Delete(pattern, h.handleDelete(kind))
	}
	for pattern, kind := range map[string]hmodels.ResourceKind{
		collectionsPattern: hmodels.KindCollection,
		groupsPattern:      hmodels.KindGroup,
		recordsPattern:     hmodels.KindRecord,
	} {
		r.Get(pattern, h.handleList(kind))
		r.Post(pattern, h.handleCreate(kind))
	}
	r.Post(batchPattern, h.handleBatch(r))
}

func pathFrom(r *http.Request) hmodels.Path {
	return hmodels.Path{
		TenantID:     chi.URLParam(r, "tenantID"),
		CollectionID: chi.URLParam(r, "collectionID"),
		GroupID:      chi.URLParam(r, "groupID"),
		RecordID:     chi.URLParam(r, "recordID"),
	}
}

func (h *Handler) handleGet(kind hmodels.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := h.svc.Get(r.Context(), kind, pathFrom(r))
		if err != nil {
			h.writeError(w, r, "failed to get resource", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, models.NewBody(node))
	}
}

func (h *Handler) handleList(kind hmodels.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := h.svc.List(r.Context(), kind, pathFrom(r))
		if err != nil {
			h.writeError(w, r, "failed to list resources", err)
			return
		}
		data := make([]map[string]any, 0, len(nodes))
		for _, n := range nodes {
			data = append(data, models.NewBody(n).Data)
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": data})
	}
}

func (h *Handler) handlePut(kind hmodels.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(r)
		if err != nil {
			h.writeError(w, r, "invalid request body", err)
			return
		}
		node, created, err := h.svc.Put(r.Context(), kind, pathFrom(r), body)
		if err != nil {
			h.writeError(w, r, "failed to put resource", err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		httputil.WriteJSON(w, status, models.NewBody(node))
	}
}

func (h *Handler) handleCreate(kind hmodels.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(r)
		if err != nil {
			h.writeError(w, r, "invalid request body", err)
			return
		}
		node, err := h.svc.Create(r.Context(), kind, pathFrom(r), body)
		if err != nil {
			h.writeError(w, r, "failed to create resource", err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, models.NewBody(node))
	}
}

func (h *Handler) handlePatch(kind hmodels.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(r)
		if err != nil {
			h.writeError(w, r, "invalid request body", err)
			return
		}
		node, err := h.svc.Patch(r.Context(), kind, pathFrom(r), body)
		if err != nil {
			h.writeError(w, r, "failed to patch resource", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, models.NewBody(node))
	}
}

func (h *Handler) handleDelete(kind hmodels.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, deletedAt, err := h.svc.Delete(r.Context(), kind, pathFrom(r))
		if err != nil {
			h.writeError(w, r, "failed to delete resource", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, models.TombstoneBody(node, deletedAt))
	}
}

// decodeBody reads a {data, permissions} body. An empty body is allowed.
func decodeBody(r *http.Request) (models.Body, error) {
	var body models.Body
	if r.Body == nil {
		return body, nil
	}
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		return body, dErrors.Wrap(err, dErrors.CodeBadRequest, "request body must be a JSON object with data and permissions")
	}
	return body, nil
}

// writeError logs and writes err. Client errors log at warn, the rest at
// error.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	attrs := []any{
		"path", r.URL.Path,
		"error", err.Error(),
		"request_id", request.GetRequestID(ctx),
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
