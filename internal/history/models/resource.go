package models

import "fmt"

// Path locates a resource in the tree. Only the components that apply to the
// resource kind are set.
type Path struct {
	TenantID     string
	CollectionID string
	GroupID      string
	RecordID     string
}

// Validate checks that the components required by kind are present.
func (p Path) Validate(kind ResourceKind) error {
	if p.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	switch kind {
	case KindTenant:
	case KindCollection:
		if p.CollectionID == "" {
			return fmt.Errorf("collection id is required for %s", kind)
		}
	case KindGroup:
		if p.GroupID == "" {
			return fmt.Errorf("group id is required for %s", kind)
		}
	case KindRecord:
		if p.CollectionID == "" || p.RecordID == "" {
			return fmt.Errorf("collection and record ids are required for %s", kind)
		}
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}
	return nil
}

// URI returns the canonical path of the resource of the given kind.
func (p Path) URI(kind ResourceKind) string {
	tenant := TenantURI(p.TenantID)
	switch kind {
	case KindCollection:
		return tenant + "/collections/" + p.CollectionID
	case KindGroup:
		return GroupURI(p.TenantID, p.GroupID)
	case KindRecord:
		return tenant + "/collections/" + p.CollectionID + "/records/" + p.RecordID
	default:
		return tenant
	}
}

// Leaf returns the identifier of the resource itself.
func (p Path) Leaf(kind ResourceKind) string {
	switch kind {
	case KindCollection:
		return p.CollectionID
	case KindGroup:
		return p.GroupID
	case KindRecord:
		return p.RecordID
	default:
		return p.TenantID
	}
}

// TenantURI is the canonical path of a tenant.
func TenantURI(tenantID string) string {
	return "/tenants/" + tenantID
}

// GroupURI is the canonical path of a group. It doubles as the principal that
// group members hold.
func GroupURI(tenantID, groupID string) string {
	return TenantURI(tenantID) + "/groups/" + groupID
}

// Resource is a representation of a tree node: its data and its permissions.
type Resource struct {
	ID          string
	Data        map[string]any
	Permissions Permissions
}

// MutationEvent is what the resource tree hands the history hook for every
// create, update or delete it performs.
type MutationEvent struct {
	Kind        ResourceKind
	Path        Path
	Action      Action
	Pre         *Resource
	Post        *Resource
	PrincipalID string
}
