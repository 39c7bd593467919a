// Package tenant is the reference resource tree the history subsystem
// records. It keeps everything in memory.
package tenant

import (
	"log/slog"

	"chronicle/internal/tenant/handler"
	"chronicle/internal/tenant/service"
	"chronicle/internal/tenant/store"
)

// Service exposes tree reads, writes and permission state.
type Service = service.Service

// Handler wires HTTP endpoints to the tree service.
type Handler = handler.Handler

// NewService constructs the tree service over a fresh in-memory store.
func NewService(opts ...service.Option) *Service {
	return service.New(store.NewInMemory(), opts...)
}

// NewHandler constructs the HTTP handler for tree routes and batches.
func NewHandler(s *Service, logger *slog.Logger, opts ...handler.Option) *Handler {
	return handler.New(s, logger, opts...)
}
