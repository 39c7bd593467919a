package service

import (
	"context"
	"fmt"
	"slices"

	hmodels "chronicle/internal/history/models"
	"chronicle/internal/history/permission"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/sentinel"
)

// The methods below expose current permission state to the history
// permission resolver.

var _ permission.PermissionReader = (*Service)(nil)

// TenantPermissions returns the permissions set on the tenant itself.
func (s *Service) TenantPermissions(ctx context.Context, tenantID string) (hmodels.Permissions, error) {
	n, err := s.lookup(ctx, hmodels.TenantURI(tenantID))
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, sentinel.ErrNotFound)
	}
	return n.Permissions, nil
}

// ObjectPermissions lists the grants on every node below the tenant.
func (s *Service) ObjectPermissions(ctx context.Context, tenantID string) ([]permission.ObjectGrant, error) {
	nodes, err := s.store.ListTenant(ctx, tenantID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list resources")
	}
	grants := make([]permission.ObjectGrant, 0, len(nodes))
	for _, n := range nodes {
		if len(n.Permissions) == 0 {
			continue
		}
		grants = append(grants, permission.ObjectGrant{URI: n.URI(), Permissions: n.Permissions})
	}
	return grants, nil
}

// MemberGroups returns the URIs of the tenant's groups that list principal.
func (s *Service) MemberGroups(ctx context.Context, tenantID, principal string) ([]string, error) {
	groups, err := s.store.ListChildren(ctx, hmodels.TenantURI(tenantID), hmodels.KindGroup)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list groups")
	}
	var uris []string
	for _, g := range groups {
		if slices.Contains(g.Members(), principal) {
			uris = append(uris, g.URI())
		}
	}
	return uris, nil
}
