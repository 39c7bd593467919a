// Package hook turns resource tree mutations into history entries.
//
// The resource tree calls OnMutation synchronously, inside the transaction
// that performs the mutation, once per create, update or delete. Batch
// sub-requests are individual mutations and each yields its own entry.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"chronicle/internal/history/metrics"
	"chronicle/internal/history/models"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/tx"
	"chronicle/pkg/requestcontext"
)

// Store is the subset of the history store the hook writes to.
type Store interface {
	tx.Runner
	CreatePartition(ctx context.Context, tenantID string) error
	Append(ctx context.Context, e *models.Entry) error
	CascadeDelete(ctx context.Context, tenantID string) error
	Head(ctx context.Context, tenantID string) (int64, error)
}

// Hook captures mutation events.
type Hook struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
}

type Option func(*Hook)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hook) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hook) {
		h.metrics = m
	}
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(fn func() string) Option {
	return func(h *Hook) {
		h.newID = fn
	}
}

// New constructs a Hook writing to store.
func New(store Store, opts ...Option) *Hook {
	h := &Hook{
		store:  store,
		logger: slog.New(slog.DiscardHandler),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnMutation records ev and returns the staged entry. SortKey and EventTime
// are final once the surrounding transaction commits.
//
// Tenant creation opens the tenant's partition before the entry is appended.
// The tree only creates tenants it does not hold, so a partition that already
// has entries is left over from an earlier tree and is dropped first, in the
// same transaction. Tenant deletion appends the delete entry and then drops
// the partition, so the tenant's whole history disappears with it. Deleting
// any other container records only the container itself.
func (h *Hook) OnMutation(ctx context.Context, ev models.MutationEvent) (*models.Entry, error) {
	entry, err := h.buildEntry(ctx, ev)
	if err != nil {
		h.metrics.IncrementCaptureFailure()
		return nil, err
	}

	tenantCreate := ev.Kind == models.KindTenant && ev.Action == models.ActionCreate
	stale := false
	if tenantCreate {
		head, err := h.store.Head(ctx, ev.Path.TenantID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record history")
		}
		stale = head > 0
	}

	err = h.store.RunInTx(ctx, func(ctx context.Context) error {
		if stale {
			h.logger.WarnContext(ctx, "dropping history left over from a previous tenant",
				"tenant_id", ev.Path.TenantID,
				"request_id", requestcontext.RequestID(ctx),
			)
			if err := h.store.CascadeDelete(ctx, ev.Path.TenantID); err != nil {
				return err
			}
		}
		if tenantCreate {
			if err := h.store.CreatePartition(ctx, ev.Path.TenantID); err != nil {
				return err
			}
		}
		if err := h.store.Append(ctx, entry); err != nil {
			return err
		}
		if ev.Kind == models.KindTenant && ev.Action == models.ActionDelete {
			return h.store.CascadeDelete(ctx, ev.Path.TenantID)
		}
		return nil
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record history")
	}

	h.metrics.IncrementAppended(string(entry.Action), string(entry.ResourceKind))
	h.logger.DebugContext(ctx, "history entry captured",
		"entry_id", entry.ID,
		"tenant_id", entry.TenantID,
		"uri", entry.URI,
		"action", entry.Action,
		"request_id", requestcontext.RequestID(ctx),
	)
	return entry, nil
}

func (h *Hook) buildEntry(ctx context.Context, ev models.MutationEvent) (*models.Entry, error) {
	if !ev.Kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("unknown resource kind %q", ev.Kind))
	}
	if !ev.Action.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("unknown action %q", ev.Action))
	}
	if err := ev.Path.Validate(ev.Kind); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "invalid resource path")
	}

	now := requestcontext.Now(ctx)
	var target models.Target
	switch ev.Action {
	case models.ActionDelete:
		target = tombstone(ev, now.UnixMilli())
	default:
		if ev.Post == nil {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("%s event without a resource", ev.Action))
		}
		target = snapshot(ev)
	}

	return &models.Entry{
		ID:           h.newID(),
		TenantID:     ev.Path.TenantID,
		CollectionID: ev.Path.CollectionID,
		GroupID:      ev.Path.GroupID,
		RecordID:     ev.Path.RecordID,
		ResourceKind: ev.Kind,
		Action:       ev.Action,
		Target:       target,
		URI:          ev.Path.URI(ev.Kind),
		PrincipalID:  ev.PrincipalID,
		EventTime:    models.NewTimestamp(now),
	}, nil
}

// snapshot copies the post-mutation state so later changes to the resource
// cannot reach the entry.
func snapshot(ev models.MutationEvent) models.Target {
	data := maps.Clone(ev.Post.Data)
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["id"]; !ok {
		data["id"] = ev.Path.Leaf(ev.Kind)
	}
	perms := make(models.Permissions, len(ev.Post.Permissions))
	for name, principals := range ev.Post.Permissions {
		perms[name] = append([]string(nil), principals...)
	}
	return models.Target{Data: data, Permissions: perms}
}

func tombstone(ev models.MutationEvent, lastModified int64) models.Target {
	id := ev.Path.Leaf(ev.Kind)
	if ev.Pre != nil && ev.Pre.ID != "" {
		id = ev.Pre.ID
	}
	return models.Target{
		Data: map[string]any{
			"id":            id,
			"deleted":       true,
			"last_modified": lastModified,
		},
		Permissions: models.Permissions{},
	}
}
