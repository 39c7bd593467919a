package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"chronicle/internal/history/models"
	"chronicle/pkg/platform/sentinel"
)

type partition struct {
	// entries are ordered by ascending sort key. The slice is append-only so
	// a scan can iterate over a snapshot of its header without holding a lock.
	entries       []*models.Entry
	lastSortKey   int64
	lastEventTime time.Time
}

// InMemory is a process-local Store. Writes inside RunInTx are staged in a
// journal and applied under one write lock on commit.
type InMemory struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	ids        map[string]string
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		partitions: make(map[string]*partition),
		ids:        make(map[string]string),
	}
}

func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return runJournaled(ctx, s, s.commit, fn)
}

func (s *InMemory) CreatePartition(ctx context.Context, tenantID string) error {
	return stage(ctx, s, s.commit, op{kind: opCreatePartition, tenantID: tenantID})
}

func (s *InMemory) Append(ctx context.Context, e *models.Entry) error {
	return stage(ctx, s, s.commit, op{kind: opAppend, tenantID: e.TenantID, entry: e})
}

func (s *InMemory) CascadeDelete(ctx context.Context, tenantID string) error {
	return stage(ctx, s, s.commit, op{kind: opCascade, tenantID: tenantID})
}

// commit validates ops against a staged view of the touched partitions and
// applies them only if every op succeeds.
func (s *InMemory) commit(ctx context.Context, ops []op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]*partition)
	stagedIDs := make(map[string]string)
	var dropped [][]*models.Entry

	view := func(tenantID string) *partition {
		if p, ok := staged[tenantID]; ok {
			return p
		}
		if p, ok := s.partitions[tenantID]; ok {
			cp := *p
			staged[tenantID] = &cp
			return &cp
		}
		return nil
	}
	idTaken := func(id string) bool {
		if _, ok := stagedIDs[id]; ok {
			return true
		}
		_, ok := s.ids[id]
		return ok
	}

	type assignment struct {
		entry     *models.Entry
		sortKey   int64
		eventTime time.Time
	}
	var assigned []assignment

	for _, o := range ops {
		switch o.kind {
		case opCreatePartition:
			if view(o.tenantID) != nil {
				return fmt.Errorf("partition %s: %w", o.tenantID, sentinel.ErrConflict)
			}
			staged[o.tenantID] = &partition{}
		case opAppend:
			p := view(o.tenantID)
			if p == nil {
				return fmt.Errorf("partition %s: %w", o.tenantID, sentinel.ErrNotFound)
			}
			if idTaken(o.entry.ID) {
				return fmt.Errorf("entry %s: %w", o.entry.ID, sentinel.ErrConflict)
			}
			p.lastSortKey++
			eventTime := o.entry.EventTime.Time
			if eventTime.Before(p.lastEventTime) {
				eventTime = p.lastEventTime
			}
			p.lastEventTime = eventTime
			stagedIDs[o.entry.ID] = o.tenantID
			assigned = append(assigned, assignment{entry: o.entry, sortKey: p.lastSortKey, eventTime: eventTime})
			// Slots past the live length are invisible to scans, so the
			// shared backing array can be extended before commit.
			p.entries = append(p.entries, o.entry)
		case opCascade:
			p := view(o.tenantID)
			if p == nil {
				return fmt.Errorf("partition %s: %w", o.tenantID, sentinel.ErrNotFound)
			}
			dropped = append(dropped, p.entries)
			staged[o.tenantID] = nil
		}
	}

	for _, a := range assigned {
		a.entry.SortKey = a.sortKey
		a.entry.EventTime = models.Timestamp{Time: a.eventTime}
	}
	for _, entries := range dropped {
		for _, e := range entries {
			delete(s.ids, e.ID)
			delete(stagedIDs, e.ID)
		}
	}
	for id, tenantID := range stagedIDs {
		s.ids[id] = tenantID
	}
	for tenantID, p := range staged {
		if p == nil {
			delete(s.partitions, tenantID)
			continue
		}
		s.partitions[tenantID] = p
	}
	return nil
}

func (s *InMemory) Scan(ctx context.Context, tenantID string, opts ScanOptions) iter.Seq2[*models.Entry, error] {
	return func(yield func(*models.Entry, error) bool) {
		s.mu.RLock()
		var entries []*models.Entry
		if p, ok := s.partitions[tenantID]; ok {
			entries = p.entries
		}
		s.mu.RUnlock()

		lo := 0
		if opts.After > 0 {
			lo = sort.Search(len(entries), func(i int) bool { return entries[i].SortKey > opts.After })
		}
		hi := len(entries)
		if opts.Before > 0 {
			hi = sort.Search(len(entries), func(i int) bool { return entries[i].SortKey >= opts.Before })
		}

		for n := 0; n < hi-lo; n++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			i := lo + n
			if opts.Descending {
				i = hi - 1 - n
			}
			if !yield(entries[i], nil) {
				return
			}
		}
	}
}

func (s *InMemory) Head(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.partitions[tenantID]; ok {
		return p.lastSortKey, nil
	}
	return 0, nil
}
