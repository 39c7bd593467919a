package store

import (
	"context"

	"chronicle/internal/history/models"
)

type opKind int

const (
	opCreatePartition opKind = iota
	opAppend
	opCascade
)

func (k opKind) String() string {
	switch k {
	case opCreatePartition:
		return "create_partition"
	case opAppend:
		return "append"
	default:
		return "cascade_delete"
	}
}

// op is one staged write.
type op struct {
	kind     opKind
	tenantID string
	entry    *models.Entry
}

// journal collects the writes of one transaction for backends without native
// transactions. It is applied by a single atomic commit.
type journal struct {
	ops []op
}

type journalKey struct {
	owner any
}

// committer applies a journal atomically, validating ops in order. On success
// it sets SortKey and EventTime on every appended entry.
type committer func(ctx context.Context, ops []op) error

// runJournaled runs fn with a journal bound to owner. A journal already in ctx
// is joined and committed by the outermost call.
func runJournaled(ctx context.Context, owner any, commit committer, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{owner}).(*journal); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{owner}, j)); err != nil {
		return err
	}
	if len(j.ops) == 0 {
		return nil
	}
	return commit(ctx, j.ops)
}

// stage adds o to the journal in ctx, or commits it alone when no transaction
// is active.
func stage(ctx context.Context, owner any, commit committer, o op) error {
	if j, ok := ctx.Value(journalKey{owner}).(*journal); ok {
		j.ops = append(j.ops, o)
		return nil
	}
	return commit(ctx, []op{o})
}
