package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/httputil"
	request "chronicle/pkg/platform/middleware/request"
)

type subRequest struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type batchRequest struct {
	Defaults *subRequest  `json:"defaults,omitempty"`
	Requests []subRequest `json:"requests"`
}

type subResponse struct {
	Status  int               `json:"status"`
	Path    string            `json:"path"`
	Body    any               `json:"body"`
	Headers map[string]string `json:"headers"`
}

var batchMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// handleBatch runs each sub-request through dispatch, one after the other in
// submission order. A failing sub-request does not stop the ones after it.
func (h *Handler) handleBatch(dispatch http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, "invalid batch body", dErrors.Wrap(err, dErrors.CodeBadRequest, "batch body must be a JSON object"))
			return
		}
		subs, err := h.expand(req)
		if err != nil {
			h.writeError(w, r, "invalid batch", err)
			return
		}
		h.metrics.ObserveBatch(len(subs))

		responses := make([]subResponse, 0, len(subs))
		for _, sub := range subs {
			responses = append(responses, h.run(ctx, dispatch, r, sub))
		}
		h.logger.InfoContext(ctx, "batch executed",
			"requests", len(subs),
			"request_id", request.GetRequestID(ctx),
		)
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"responses": responses})
	}
}

// expand merges the defaults into every sub-request and validates the result.
func (h *Handler) expand(req batchRequest) ([]subRequest, error) {
	if len(req.Requests) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "requests: at least one request is required")
	}
	if len(req.Requests) > h.maxBatch {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("requests: at most %d requests are allowed", h.maxBatch))
	}
	subs := make([]subRequest, len(req.Requests))
	for i, sub := range req.Requests {
		if req.Defaults != nil {
			sub = mergeDefaults(*req.Defaults, sub)
		}
		if sub.Method == "" {
			sub.Method = http.MethodGet
		}
		sub.Method = strings.ToUpper(sub.Method)
		if !batchMethods[sub.Method] {
			return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("requests.%d.method: %q is not allowed", i, sub.Method))
		}
		if !strings.HasPrefix(sub.Path, "/") {
			return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("requests.%d.path: must be an absolute path", i))
		}
		if p, _, _ := strings.Cut(sub.Path, "?"); strings.TrimSuffix(p, "/") == batchPattern {
			return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("requests.%d.path: recursive batch is not allowed", i))
		}
		subs[i] = sub
	}
	return subs, nil
}

// mergeDefaults fills the fields sub leaves empty from defaults. Bodies and
// headers are merged key by key with sub winning.
func mergeDefaults(defaults, sub subRequest) subRequest {
	if sub.Method == "" {
		sub.Method = defaults.Method
	}
	if sub.Path == "" {
		sub.Path = defaults.Path
	}
	sub.Body = mergeMaps(defaults.Body, sub.Body)
	if len(defaults.Headers) > 0 {
		headers := maps.Clone(defaults.Headers)
		maps.Copy(headers, sub.Headers)
		sub.Headers = headers
	}
	return sub
}

func mergeMaps(base, over map[string]any) map[string]any {
	if base == nil {
		return over
	}
	out := maps.Clone(base)
	for k, v := range over {
		bm, bok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if bok && ook {
			out[k] = mergeMaps(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// run dispatches one sub-request. It carries the parent's credentials and
// context values but gets a fresh routing context.
func (h *Handler) run(ctx context.Context, dispatch http.Handler, parent *http.Request, sub subRequest) subResponse {
	var payload []byte
	if sub.Body != nil {
		payload, _ = json.Marshal(sub.Body)
	}
	ctx = context.WithValue(ctx, chi.RouteCtxKey, nil)
	req, err := http.NewRequestWithContext(ctx, sub.Method, sub.Path, bytes.NewReader(payload))
	if err != nil {
		return subResponse{
			Status:  http.StatusBadRequest,
			Path:    sub.Path,
			Body:    map[string]string{"error": string(dErrors.CodeBadRequest), "error_description": "invalid path"},
			Headers: map[string]string{},
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if auth := parent.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	buf := newResponseBuffer()
	dispatch.ServeHTTP(buf, req)

	resp := subResponse{Status: buf.status, Path: sub.Path, Headers: map[string]string{}}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	for k := range buf.header {
		resp.Headers[k] = buf.header.Get(k)
	}
	if buf.body.Len() > 0 {
		var body any
		if err := json.Unmarshal(buf.body.Bytes(), &body); err == nil {
			resp.Body = body
		} else {
			resp.Body = buf.body.String()
		}
	}
	return resp
}

// responseBuffer collects a sub-response in memory.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: http.Header{}}
}

func (b *responseBuffer) Header() http.Header {
	return b.header
}

func (b *responseBuffer) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}
