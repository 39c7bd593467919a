// Package models holds the nodes of the reference resource tree.
package models

import (
	"maps"
	"slices"
	"strings"

	hmodels "chronicle/internal/history/models"
)

// Node is one resource of the tree: a tenant, collection, group or record.
//
// Invariants:
//   - Path carries exactly the components Kind requires
//   - LastModified is a unix millisecond timestamp that grows on every write
type Node struct {
	Kind         hmodels.ResourceKind
	Path         hmodels.Path
	Data         map[string]any
	Permissions  hmodels.Permissions
	LastModified int64
}

// ID returns the node's own identifier.
func (n *Node) ID() string {
	return n.Path.Leaf(n.Kind)
}

// URI returns the canonical path of the node.
func (n *Node) URI() string {
	return n.Path.URI(n.Kind)
}

// Clone returns a deep copy of the node's data and permissions.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Data = maps.Clone(n.Data)
	cp.Permissions = ClonePermissions(n.Permissions)
	return &cp
}

// Resource converts the node into the representation history snapshots.
func (n *Node) Resource() *hmodels.Resource {
	data := maps.Clone(n.Data)
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = n.ID()
	data["last_modified"] = n.LastModified
	return &hmodels.Resource{ID: n.ID(), Data: data, Permissions: ClonePermissions(n.Permissions)}
}

// Members lists the principals of a group node.
func (n *Node) Members() []string {
	var members []string
	switch raw := n.Data["members"].(type) {
	case []any:
		for _, m := range raw {
			if s, ok := m.(string); ok {
				members = append(members, s)
			}
		}
	case []string:
		members = append(members, raw...)
	}
	return members
}

// Ancestors returns the URIs of the node's parents, nearest first.
func (n *Node) Ancestors() []string {
	return AncestorURIs(n.Kind, n.Path)
}

// AncestorURIs returns the parent URIs of a node of kind at path, nearest
// first. Records sit below a collection, every other kind directly below its
// tenant.
func AncestorURIs(kind hmodels.ResourceKind, path hmodels.Path) []string {
	switch kind {
	case hmodels.KindRecord:
		return []string{path.URI(hmodels.KindCollection), hmodels.TenantURI(path.TenantID)}
	case hmodels.KindCollection, hmodels.KindGroup:
		return []string{hmodels.TenantURI(path.TenantID)}
	default:
		return nil
	}
}

// ClonePermissions deep-copies p and drops empty entries.
func ClonePermissions(p hmodels.Permissions) hmodels.Permissions {
	out := make(hmodels.Permissions, len(p))
	for name, principals := range p {
		if len(principals) == 0 {
			continue
		}
		out[name] = slices.Clone(principals)
	}
	return out
}

// Body is the JSON representation of a node in requests and responses.
type Body struct {
	Data        map[string]any      `json:"data"`
	Permissions hmodels.Permissions `json:"permissions,omitempty"`
}

// NewBody renders n for a response.
func NewBody(n *Node) *Body {
	r := n.Resource()
	return &Body{Data: r.Data, Permissions: r.Permissions}
}

// TombstoneBody renders a deleted node.
func TombstoneBody(n *Node, deletedAt int64) *Body {
	return &Body{Data: map[string]any{
		"id":            n.ID(),
		"deleted":       true,
		"last_modified": deletedAt,
	}}
}

// ValidID reports whether id can name a node. Identifiers become URI
// segments, so they may not be empty or contain a separator.
func ValidID(id string) bool {
	return id != "" && len(id) <= 128 && !strings.ContainsAny(id, "/?#")
}
