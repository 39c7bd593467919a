// Package permission decides which part of a tenant's history a principal may
// read. It consults current permission state only, never history entries.
package permission

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"chronicle/internal/history/models"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/sentinel"
	strutil "chronicle/pkg/platform/strings"
	"chronicle/pkg/requestcontext"
)

// Built-in principals every request carries.
const (
	Everyone      = "system.Everyone"
	Authenticated = "system.Authenticated"
)

// Permission names that confer visibility.
const (
	PermRead  = "read"
	PermWrite = "write"
)

// Level is the breadth of a visible scope.
type Level int

const (
	LevelNone Level = iota
	LevelPartial
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelPartial:
		return "partial"
	default:
		return "none"
	}
}

// Scope is the part of a tenant's history a principal may read. A Partial
// scope admits entries whose URI equals one of Prefixes or descends from it.
type Scope struct {
	Level    Level
	Prefixes []string
}

// Allows reports whether an entry at uri is visible.
func (s Scope) Allows(uri string) bool {
	switch s.Level {
	case LevelFull:
		return true
	case LevelPartial:
		for _, prefix := range s.Prefixes {
			if uri == prefix || strings.HasPrefix(uri, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// ObjectGrant is the permission set on one resource below the tenant.
type ObjectGrant struct {
	URI         string
	Permissions models.Permissions
}

// PermissionReader exposes current permission state of the resource tree.
type PermissionReader interface {
	// TenantPermissions returns sentinel.ErrNotFound for an unknown tenant.
	TenantPermissions(ctx context.Context, tenantID string) (models.Permissions, error)
	// ObjectPermissions lists the grants on every collection, group and
	// record of the tenant.
	ObjectPermissions(ctx context.Context, tenantID string) ([]ObjectGrant, error)
	// MemberGroups returns the URIs of the tenant's groups listing principal.
	MemberGroups(ctx context.Context, tenantID, principal string) ([]string, error)
}

// Config is the process-wide read policy.
type Config struct {
	// ReadPrincipals may read the history of every tenant.
	ReadPrincipals []string
}

// Resolver computes visible scopes.
type Resolver struct {
	reader PermissionReader
	cfg    Config
	logger *slog.Logger
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New constructs a Resolver.
func New(reader PermissionReader, cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		reader: reader,
		cfg:    Config{ReadPrincipals: strutil.DedupeAndTrim(cfg.ReadPrincipals)},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Principals expands principalID into the effective principal set on a
// tenant: the principal itself, system.Everyone, system.Authenticated when
// authenticated, and the URIs of the groups listing it. An empty principalID
// is anonymous.
func (r *Resolver) Principals(ctx context.Context, tenantID, principalID string) ([]string, error) {
	principals := []string{Everyone}
	if principalID == "" {
		return principals, nil
	}
	principals = append(principals, Authenticated, principalID)
	groups, err := r.reader.MemberGroups(ctx, tenantID, principalID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load group memberships")
	}
	return append(principals, groups...), nil
}

// VisibleScope returns the scope principals have on the tenant's history.
// Tenant read or write, or membership in the allow-list, grants Full. Read or
// write on objects below the tenant grants Partial. A missing tenant yields
// None.
func (r *Resolver) VisibleScope(ctx context.Context, principals []string, tenantID string) (Scope, error) {
	tenantPerms, err := r.reader.TenantPermissions(ctx, tenantID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Scope{Level: LevelNone}, nil
	}
	if err != nil {
		return Scope{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant permissions")
	}

	if strutil.ContainsAny(principals, r.cfg.ReadPrincipals) {
		return Scope{Level: LevelFull}, nil
	}
	if tenantPerms.Grants(principals, PermWrite, PermRead) {
		return Scope{Level: LevelFull}, nil
	}

	grants, err := r.reader.ObjectPermissions(ctx, tenantID)
	if err != nil {
		return Scope{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load object permissions")
	}
	var prefixes []string
	for _, g := range grants {
		if g.Permissions.Grants(principals, PermWrite, PermRead) {
			prefixes = append(prefixes, g.URI)
		}
	}
	prefixes = collapse(prefixes)
	if len(prefixes) == 0 {
		return Scope{Level: LevelNone}, nil
	}

	r.logger.DebugContext(ctx, "partial history scope",
		"tenant_id", tenantID,
		"prefixes", len(prefixes),
		"request_id", requestcontext.RequestID(ctx),
	)
	return Scope{Level: LevelPartial, Prefixes: prefixes}, nil
}

// collapse sorts prefixes and drops those nested under another prefix.
func collapse(prefixes []string) []string {
	slices.Sort(prefixes)
	prefixes = slices.Compact(prefixes)
	out := prefixes[:0]
	for _, p := range prefixes {
		nested := slices.ContainsFunc(out, func(kept string) bool {
			return strings.HasPrefix(p, kept+"/")
		})
		if !nested {
			out = append(out, p)
		}
	}
	return out
}
