// Package history wires the audit trail of the resource tree: capture through
// the hook, storage, permission-scoped queries and the HTTP endpoint.
package history

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"chronicle/internal/history/handler"
	"chronicle/internal/history/hook"
	"chronicle/internal/history/metrics"
	"chronicle/internal/history/permission"
	"chronicle/internal/history/query"
	"chronicle/internal/history/service"
	"chronicle/internal/history/store"
)

// Capability is the name advertised on the service root when history is on.
const Capability = "history"

// Config is the process-wide history configuration.
type Config struct {
	Enabled bool
	// ReadPrincipals may read every tenant's history.
	ReadPrincipals []string
	MaxPageSize    int
}

// History bundles the history components around one store.
type History struct {
	cfg     Config
	store   store.Store
	hook    *hook.Hook
	engine  *query.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*History)

func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *History) {
		h.metrics = m
	}
}

// New builds the history components over st.
func New(st store.Store, cfg Config, opts ...Option) *History {
	h := &History{
		cfg:    cfg,
		store:  st,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.hook = hook.New(st, hook.WithLogger(h.logger), hook.WithMetrics(h.metrics))
	h.engine = query.New(st, query.WithMaxPageSize(cfg.MaxPageSize), query.WithMetrics(h.metrics))
	return h
}

// Enabled reports whether mutations are captured and history is served.
func (h *History) Enabled() bool {
	return h.cfg.Enabled
}

// Store returns the history store. It is also the transaction runner the
// resource tree pairs its mutations with.
func (h *History) Store() store.Store {
	return h.store
}

// Hook returns the capture hook handed to the resource tree.
func (h *History) Hook() *hook.Hook {
	return h.hook
}

// Register mounts the history endpoint. reader supplies the current
// permission state of the resource tree.
func (h *History) Register(r chi.Router, reader permission.PermissionReader) {
	if !h.Enabled() {
		return
	}
	resolver := permission.New(reader,
		permission.Config{ReadPrincipals: h.cfg.ReadPrincipals},
		permission.WithLogger(h.logger),
	)
	svc := service.New(resolver, h.engine,
		service.WithLogger(h.logger),
		service.WithMetrics(h.metrics),
	)
	handler.New(svc, h.logger).Register(r)
}
