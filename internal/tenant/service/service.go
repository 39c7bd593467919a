// Package service implements the reference resource tree: tenants holding
// collections and groups, collections holding records.
//
// Every mutation runs under its tenant's lock and inside one history
// transaction. The tree only changes after the history entry describing the
// change has committed, so a failed capture leaves the tree untouched.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	hmodels "chronicle/internal/history/models"
	"chronicle/internal/history/permission"
	"chronicle/internal/tenant/metrics"
	"chronicle/internal/tenant/models"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/sentinel"
	"chronicle/pkg/platform/tx"
	"chronicle/pkg/requestcontext"
)

// Store persists tree nodes.
type Store interface {
	Get(ctx context.Context, uri string) (*models.Node, error)
	Save(ctx context.Context, n *models.Node) error
	DeleteTree(ctx context.Context, uri string) error
	ListTenant(ctx context.Context, tenantID string) ([]*models.Node, error)
	ListChildren(ctx context.Context, parentURI string, kind hmodels.ResourceKind) ([]*models.Node, error)
}

// Recorder is told about every mutation before the tree applies it.
type Recorder interface {
	OnMutation(ctx context.Context, ev hmodels.MutationEvent) (*hmodels.Entry, error)
}

// Service orchestrates tree reads and writes.
type Service struct {
	store    Store
	runner   tx.Runner
	recorder Recorder
	locks    tenantLocks
	logger   *slog.Logger
	metrics  *metrics.Metrics
	newID    func() string
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

// WithHistory pairs every mutation with recorder inside runner's
// transaction.
func WithHistory(runner tx.Runner, recorder Recorder) Option {
	return func(s *Service) {
		s.runner = runner
		s.recorder = recorder
	}
}

// WithIDGenerator overrides the ids given to nodes created by POST.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// New constructs a Service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		runner: tx.Direct,
		logger: slog.New(slog.DiscardHandler),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the node at path. The caller needs read or write on the node
// or one of its ancestors.
func (s *Service) Get(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path) (*models.Node, error) {
	if err := validatePath(kind, path); err != nil {
		return nil, err
	}
	principals, err := s.principals(ctx, path.TenantID)
	if err != nil {
		return nil, err
	}
	uri := path.URI(kind)
	if err := s.authorize(ctx, principals, chain(uri, kind, path), permission.PermRead, permission.PermWrite); err != nil {
		return nil, err
	}
	return s.load(ctx, uri)
}

// List returns the children of kind below parent. Records list below a
// collection, collections and groups below a tenant.
func (s *Service) List(ctx context.Context, kind hmodels.ResourceKind, parent hmodels.Path) ([]*models.Node, error) {
	parentKind := hmodels.KindTenant
	if kind == hmodels.KindRecord {
		parentKind = hmodels.KindCollection
	}
	if err := validatePath(parentKind, parent); err != nil {
		return nil, err
	}
	principals, err := s.principals(ctx, parent.TenantID)
	if err != nil {
		return nil, err
	}
	parentURI := parent.URI(parentKind)
	if err := s.authorize(ctx, principals, chain(parentURI, parentKind, parent), permission.PermRead, permission.PermWrite); err != nil {
		return nil, err
	}
	if _, err := s.load(ctx, parentURI); err != nil {
		return nil, err
	}
	nodes, err := s.store.ListChildren(ctx, parentURI, kind)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list resources")
	}
	return nodes, nil
}

// Put creates the node at path or replaces its data. Permissions in body
// replace the existing ones when given. The acting principal always keeps
// write. The returned flag reports whether the node was created.
func (s *Service) Put(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path, body models.Body) (*models.Node, bool, error) {
	if err := validatePath(kind, path); err != nil {
		return nil, false, err
	}
	var (
		node    *models.Node
		created bool
	)
	err := s.mutate(ctx, path.TenantID, func(ctx context.Context, principals []string) (*change, error) {
		existing, err := s.lookup(ctx, path.URI(kind))
		if err != nil {
			return nil, err
		}
		if existing == nil {
			created = true
			c, err := s.prepareCreate(ctx, principals, kind, path, body)
			if c != nil {
				node = c.node
			}
			return c, err
		}
		if err := s.authorize(ctx, principals, chain(existing.URI(), kind, path), permission.PermWrite); err != nil {
			return nil, err
		}
		if err := validateBody(kind, path, body); err != nil {
			return nil, err
		}
		next := existing.Clone()
		next.Data = cleanData(body.Data)
		if body.Permissions != nil {
			next.Permissions = models.ClonePermissions(body.Permissions)
		}
		node = s.stamp(ctx, next, existing.LastModified)
		return s.updateChange(ctx, existing, node), nil
	})
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

// Create adds a node of kind below parent. The id comes from body.data.id
// or is generated. Creating an id that exists is a conflict.
func (s *Service) Create(ctx context.Context, kind hmodels.ResourceKind, parent hmodels.Path, body models.Body) (*models.Node, error) {
	id, _ := body.Data["id"].(string)
	if id == "" {
		id = s.newID()
	}
	path := parent
	switch kind {
	case hmodels.KindCollection:
		path.CollectionID = id
	case hmodels.KindGroup:
		path.GroupID = id
	case hmodels.KindRecord:
		path.RecordID = id
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("cannot create %s with POST", kind))
	}
	if err := validatePath(kind, path); err != nil {
		return nil, err
	}

	var node *models.Node
	err := s.mutate(ctx, path.TenantID, func(ctx context.Context, principals []string) (*change, error) {
		existing, err := s.lookup(ctx, path.URI(kind))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if err := s.authorize(ctx, principals, chain(existing.URI(), kind, path), permission.PermRead, permission.PermWrite); err != nil {
				return nil, err
			}
			return nil, dErrors.New(dErrors.CodeConflict, fmt.Sprintf("%s %s already exists", kind, id))
		}
		c, err := s.prepareCreate(ctx, principals, kind, path, body)
		if c != nil {
			node = c.node
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Patch merges body into the node at path. Data keys are replaced one by one
// and a null value removes the key. Each permission named in body replaces
// its principal list.
func (s *Service) Patch(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path, body models.Body) (*models.Node, error) {
	if err := validatePath(kind, path); err != nil {
		return nil, err
	}
	var node *models.Node
	err := s.mutate(ctx, path.TenantID, func(ctx context.Context, principals []string) (*change, error) {
		uri := path.URI(kind)
		if err := s.authorize(ctx, principals, chain(uri, kind, path), permission.PermWrite); err != nil {
			return nil, err
		}
		existing, err := s.load(ctx, uri)
		if err != nil {
			return nil, err
		}
		if err := validateBody(kind, path, body); err != nil {
			return nil, err
		}
		next := existing.Clone()
		if next.Data == nil {
			next.Data = map[string]any{}
		}
		for k, v := range cleanData(body.Data) {
			if v == nil {
				delete(next.Data, k)
				continue
			}
			next.Data[k] = v
		}
		for name, holders := range body.Permissions {
			next.Permissions[name] = slices.Clone(holders)
		}
		next.Permissions = models.ClonePermissions(next.Permissions)
		node = s.stamp(ctx, next, existing.LastModified)
		return s.updateChange(ctx, existing, node), nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Delete removes the node at path with everything below it and returns the
// removed node together with the deletion time in unix milliseconds.
// Only the node itself is recorded in history. Deleting a tenant also drops
// its history.
func (s *Service) Delete(ctx context.Context, kind hmodels.ResourceKind, path hmodels.Path) (*models.Node, int64, error) {
	if err := validatePath(kind, path); err != nil {
		return nil, 0, err
	}
	var (
		removed   *models.Node
		deletedAt int64
	)
	err := s.mutate(ctx, path.TenantID, func(ctx context.Context, principals []string) (*change, error) {
		uri := path.URI(kind)
		if err := s.authorize(ctx, principals, chain(uri, kind, path), permission.PermWrite); err != nil {
			return nil, err
		}
		existing, err := s.load(ctx, uri)
		if err != nil {
			return nil, err
		}
		removed = existing
		deletedAt = requestcontext.Now(ctx).UnixMilli()
		return &change{
			event: hmodels.MutationEvent{
				Kind:        kind,
				Path:        path,
				Action:      hmodels.ActionDelete,
				Pre:         existing.Resource(),
				PrincipalID: requestcontext.Principal(ctx),
			},
			apply: func(ctx context.Context) error {
				return s.store.DeleteTree(ctx, uri)
			},
		}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return removed, deletedAt, nil
}

// change is a validated mutation: the event history records and the tree
// write applied once the event has committed.
type change struct {
	event hmodels.MutationEvent
	node  *models.Node
	apply func(ctx context.Context) error
}

// mutate runs prepare under the tenant lock, records its event inside one
// history transaction and applies the change after that transaction commits.
func (s *Service) mutate(ctx context.Context, tenantID string, prepare func(ctx context.Context, principals []string) (*change, error)) error {
	start := time.Now()
	defer s.metrics.ObserveMutation(start)

	unlock, err := s.locks.lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	principals, err := s.principals(ctx, tenantID)
	if err != nil {
		return err
	}
	c, err := prepare(ctx, principals)
	if err != nil {
		return err
	}

	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		if s.recorder == nil {
			return nil
		}
		_, err := s.recorder.OnMutation(ctx, c.event)
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "mutation rejected: history capture failed",
			"uri", c.event.Path.URI(c.event.Kind),
			"action", c.event.Action,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return err
	}

	// The history entry is committed; the tree write cannot be rolled back
	// from here, so it must not depend on ctx.
	if err := c.apply(context.WithoutCancel(ctx)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to apply mutation")
	}
	s.metrics.IncrementMutation(string(c.event.Kind), string(c.event.Action))
	s.logger.InfoContext(ctx, "resource mutated",
		"uri", c.event.Path.URI(c.event.Kind),
		"action", c.event.Action,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

func (s *Service) prepareCreate(ctx context.Context, principals []string, kind hmodels.ResourceKind, path hmodels.Path, body models.Body) (*change, error) {
	principal := requestcontext.Principal(ctx)
	if kind == hmodels.KindTenant {
		if principal == "" {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
		}
	} else {
		ancestors := models.AncestorURIs(kind, path)
		if err := s.authorize(ctx, principals, ancestors, permission.PermWrite); err != nil {
			return nil, err
		}
		if _, err := s.load(ctx, ancestors[0]); err != nil {
			return nil, err
		}
	}
	if err := validateBody(kind, path, body); err != nil {
		return nil, err
	}

	node := &models.Node{
		Kind:        kind,
		Path:        path,
		Data:        cleanData(body.Data),
		Permissions: models.ClonePermissions(body.Permissions),
	}
	ensureWriter(node.Permissions, principal)
	s.stamp(ctx, node, 0)
	return &change{
		event: hmodels.MutationEvent{
			Kind:        kind,
			Path:        path,
			Action:      hmodels.ActionCreate,
			Post:        node.Resource(),
			PrincipalID: principal,
		},
		node: node,
		apply: func(ctx context.Context) error {
			return s.store.Save(ctx, node)
		},
	}, nil
}

func (s *Service) updateChange(ctx context.Context, existing, next *models.Node) *change {
	principal := requestcontext.Principal(ctx)
	ensureWriter(next.Permissions, principal)
	return &change{
		event: hmodels.MutationEvent{
			Kind:        next.Kind,
			Path:        next.Path,
			Action:      hmodels.ActionUpdate,
			Pre:         existing.Resource(),
			Post:        next.Resource(),
			PrincipalID: principal,
		},
		node: next,
		apply: func(ctx context.Context) error {
			return s.store.Save(ctx, next)
		},
	}
}

// stamp sets LastModified to the request time, kept strictly above prev.
func (s *Service) stamp(ctx context.Context, n *models.Node, prev int64) *models.Node {
	n.LastModified = max(requestcontext.Now(ctx).UnixMilli(), prev+1)
	return n
}

// principals returns the effective principals of the caller on the tenant.
func (s *Service) principals(ctx context.Context, tenantID string) ([]string, error) {
	principal := requestcontext.Principal(ctx)
	principals := []string{permission.Everyone}
	if principal == "" {
		return principals, nil
	}
	groups, err := s.MemberGroups(ctx, tenantID, principal)
	if err != nil {
		return nil, err
	}
	principals = append(principals, permission.Authenticated, principal)
	return append(principals, groups...), nil
}

// authorize passes when any node at uris grants one of perms to principals.
// Missing nodes grant nothing.
func (s *Service) authorize(ctx context.Context, principals []string, uris []string, perms ...string) error {
	for _, uri := range uris {
		n, err := s.lookup(ctx, uri)
		if err != nil {
			return err
		}
		if n != nil && n.Permissions.Grants(principals, perms...) {
			return nil
		}
	}
	if requestcontext.Principal(ctx) == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return dErrors.New(dErrors.CodeForbidden, "not allowed to access this resource")
}

// lookup returns the node at uri, or nil when there is none.
func (s *Service) lookup(ctx context.Context, uri string) (*models.Node, error) {
	n, err := s.store.Get(ctx, uri)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load resource")
	}
	return n, nil
}

func (s *Service) load(ctx context.Context, uri string) (*models.Node, error) {
	n, err := s.lookup(ctx, uri)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("%s not found", uri))
	}
	return n, nil
}

// chain lists uri followed by the URIs of its ancestors.
func chain(uri string, kind hmodels.ResourceKind, path hmodels.Path) []string {
	return append([]string{uri}, models.AncestorURIs(kind, path)...)
}

func ensureWriter(p hmodels.Permissions, principal string) {
	if principal == "" || slices.Contains(p[permission.PermWrite], principal) {
		return
	}
	p[permission.PermWrite] = append(p[permission.PermWrite], principal)
}

// cleanData drops server-managed attributes from client input.
func cleanData(data map[string]any) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = map[string]any{}
	}
	delete(out, "id")
	delete(out, "last_modified")
	return out
}

func validatePath(kind hmodels.ResourceKind, path hmodels.Path) error {
	if err := path.Validate(kind); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, err.Error())
	}
	for _, id := range []string{path.TenantID, path.CollectionID, path.GroupID, path.RecordID} {
		if id != "" && !models.ValidID(id) {
			return dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("invalid identifier %q", id))
		}
	}
	return nil
}

func validateBody(kind hmodels.ResourceKind, path hmodels.Path, body models.Body) error {
	if id, ok := body.Data["id"]; ok && id != path.Leaf(kind) {
		return dErrors.New(dErrors.CodeValidation, "data.id does not match the resource identifier")
	}
	if kind == hmodels.KindGroup {
		if raw, ok := body.Data["members"]; ok && raw != nil {
			list, ok := raw.([]any)
			if !ok {
				return dErrors.New(dErrors.CodeValidation, "data.members must be a list of principals")
			}
			for _, m := range list {
				if _, ok := m.(string); !ok {
					return dErrors.New(dErrors.CodeValidation, "data.members must be a list of principals")
				}
			}
		}
	}
	for name := range body.Permissions {
		if name != permission.PermRead && name != permission.PermWrite {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown permission %q", name))
		}
	}
	return nil
}
