// Package httpapi assembles the public HTTP surface.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronicle/internal/history"
	"chronicle/internal/platform/metrics"
	"chronicle/internal/tenant"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/httputil"
	"chronicle/pkg/platform/middleware/auth"
	request "chronicle/pkg/platform/middleware/request"
	"chronicle/pkg/platform/middleware/requesttime"
)

// ProjectName is reported on the service root.
const ProjectName = "chronicle"

// Deps are the components the router exposes.
type Deps struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Identifier *auth.Identifier
	Tree       *tenant.Service
	TreeRoutes *tenant.Handler
	History    *history.History
}

type capability struct {
	Description string `json:"description"`
}

type rootResponse struct {
	ProjectName  string                `json:"project_name"`
	Capabilities map[string]capability `json:"capabilities"`
}

// NewRouter wires every route behind the shared middleware chain.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(request.Recovery(d.Logger))
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(d.Logger, d.Metrics))
	r.Use(auth.Identify(d.Identifier, d.Logger))

	capabilities := map[string]capability{}
	if d.History != nil && d.History.Enabled() {
		capabilities[history.Capability] = capability{
			Description: "Track changes on tenants, collections, groups and records.",
		}
	}
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, rootResponse{ProjectName: ProjectName, Capabilities: capabilities})
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	d.TreeRoutes.Register(r)
	if d.History != nil {
		d.History.Register(r, d.Tree)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no such endpoint"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeMethodNotAllowed, "method not allowed"))
	})
	return r
}
