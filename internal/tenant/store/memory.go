// Package store keeps the reference resource tree in memory.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	hmodels "chronicle/internal/history/models"
	"chronicle/internal/tenant/models"
	"chronicle/pkg/platform/sentinel"
)

// InMemory indexes nodes by URI. Callers serialize writes per tenant; the
// mutex only protects the map itself.
type InMemory struct {
	mu    sync.RWMutex
	nodes map[string]*models.Node
}

func NewInMemory() *InMemory {
	return &InMemory{nodes: make(map[string]*models.Node)}
}

// Get returns a copy of the node at uri.
func (s *InMemory) Get(_ context.Context, uri string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[uri]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", uri, sentinel.ErrNotFound)
	}
	return n.Clone(), nil
}

// Save inserts or replaces n.
func (s *InMemory) Save(_ context.Context, n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.URI()] = n.Clone()
	return nil
}

// DeleteTree removes the node at uri and every node below it.
func (s *InMemory) DeleteTree(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[uri]; !ok {
		return fmt.Errorf("node %s: %w", uri, sentinel.ErrNotFound)
	}
	maps.DeleteFunc(s.nodes, func(key string, _ *models.Node) bool {
		return key == uri || strings.HasPrefix(key, uri+"/")
	})
	return nil
}

// ListTenant returns copies of every node below the tenant, ordered by URI.
// The tenant node itself is not included.
func (s *InMemory) ListTenant(_ context.Context, tenantID string) ([]*models.Node, error) {
	prefix := hmodels.TenantURI(tenantID) + "/"
	s.mu.RLock()
	var out []*models.Node
	for uri, n := range s.nodes {
		if strings.HasPrefix(uri, prefix) {
			out = append(out, n.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *models.Node) int {
		return strings.Compare(a.URI(), b.URI())
	})
	return out, nil
}

// ListChildren returns copies of the nodes of kind directly below parentURI,
// ordered by URI.
func (s *InMemory) ListChildren(ctx context.Context, parentURI string, kind hmodels.ResourceKind) ([]*models.Node, error) {
	all, err := s.ListTenant(ctx, tenantOf(parentURI))
	if err != nil {
		return nil, err
	}
	var out []*models.Node
	for _, n := range all {
		if n.Kind != kind {
			continue
		}
		if ancestors := n.Ancestors(); len(ancestors) > 0 && ancestors[0] == parentURI {
			out = append(out, n)
		}
	}
	return out, nil
}

// tenantOf extracts the tenant id from "/tenants/{id}/...".
func tenantOf(uri string) string {
	rest := strings.TrimPrefix(uri, "/tenants/")
	id, _, _ := strings.Cut(rest, "/")
	return id
}
