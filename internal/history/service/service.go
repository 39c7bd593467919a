// Package service authorizes history reads and hands them to the query engine.
package service

import (
	"context"
	"log/slog"

	"chronicle/internal/history/metrics"
	"chronicle/internal/history/permission"
	"chronicle/internal/history/query"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/requestcontext"
)

// Resolver computes what the caller may see.
type Resolver interface {
	Principals(ctx context.Context, tenantID, principalID string) ([]string, error)
	VisibleScope(ctx context.Context, principals []string, tenantID string) (permission.Scope, error)
}

// Querier runs a scoped query.
type Querier interface {
	Query(ctx context.Context, tenantID string, scope permission.Scope, req query.Request) (*query.Page, error)
}

// Service lists a tenant's history on behalf of the principal in context.
type Service struct {
	resolver Resolver
	querier  Querier
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New constructs a Service.
func New(resolver Resolver, querier Querier, opts ...Option) *Service {
	s := &Service{
		resolver: resolver,
		querier:  querier,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns one page of the tenant's history. A caller with no visibility
// gets CodeUnauthorized when anonymous and CodeForbidden otherwise, whether
// or not the tenant exists.
func (s *Service) List(ctx context.Context, tenantID string, req query.Request) (*query.Page, error) {
	principalID := requestcontext.Principal(ctx)

	principals, err := s.resolver.Principals(ctx, tenantID, principalID)
	if err != nil {
		return nil, err
	}
	scope, err := s.resolver.VisibleScope(ctx, principals, tenantID)
	if err != nil {
		return nil, err
	}

	if scope.Level == permission.LevelNone {
		reason := "forbidden"
		if principalID == "" {
			reason = "anonymous"
		}
		s.metrics.IncrementDenied(reason)
		s.logger.InfoContext(ctx, "history read denied",
			"tenant_id", tenantID,
			"reason", reason,
			"request_id", requestcontext.RequestID(ctx),
		)
		if principalID == "" {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
		}
		return nil, dErrors.New(dErrors.CodeForbidden, "not allowed to read this history")
	}

	return s.querier.Query(ctx, tenantID, scope, req)
}
