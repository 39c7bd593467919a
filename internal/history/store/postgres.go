package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/lib/pq"

	"chronicle/internal/history/models"
	"chronicle/internal/platform/tracing"
	"chronicle/pkg/platform/sentinel"
	txcontext "chronicle/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	dbSystem              = "postgresql"
	defaultTxTimeout      = 5 * time.Second
)

// Postgres stores history in PostgreSQL. Per-tenant counters live in
// history_partitions; the counter row lock serializes appends within a tenant
// so sort keys commit in order. Every append also writes a history_outbox row
// in the same transaction for the change feed.
type Postgres struct {
	db        *sql.DB
	txTimeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, txTimeout: defaultTxTimeout}
}

// Migrate applies the schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply history schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// RunInTx opens a transaction and exposes it to store calls through ctx. A
// transaction already in ctx is joined.
func (s *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

func (s *Postgres) CreatePartition(ctx context.Context, tenantID string) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, dbSystem, tracing.StoreOperationPartition)
	defer func() { end(err) }()

	_, err = s.execer(ctx).ExecContext(ctx,
		`INSERT INTO history_partitions (tenant_id) VALUES ($1)`, tenantID)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return fmt.Errorf("partition %s: %w", tenantID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create partition: %w", err)
	}
	return nil
}

func (s *Postgres) Append(ctx context.Context, e *models.Entry) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, dbSystem, tracing.StoreOperationAppend)
	defer func() { end(err) }()

	target, err := json.Marshal(e.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}

	return s.RunInTx(ctx, func(ctx context.Context) error {
		var sortKey int64
		var eventTime time.Time
		err := s.execer(ctx).QueryRowContext(ctx, `
			UPDATE history_partitions
			SET last_sort_key = last_sort_key + 1,
			    last_event_time = GREATEST(last_event_time, $2)
			WHERE tenant_id = $1
			RETURNING last_sort_key, last_event_time`,
			e.TenantID, e.EventTime.Time,
		).Scan(&sortKey, &eventTime)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("partition %s: %w", e.TenantID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("advance partition counter: %w", err)
		}

		_, err = s.execer(ctx).ExecContext(ctx, `
			INSERT INTO history_entries (
				tenant_id, sort_key, id, collection_id, group_id, record_id,
				resource_name, action, target, uri, principal_id, event_time
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.TenantID, sortKey, e.ID, e.CollectionID, e.GroupID, e.RecordID,
			string(e.ResourceKind), string(e.Action), target, e.URI, e.PrincipalID, eventTime,
		)
		if err != nil {
			if isPgCode(err, pgUniqueViolation) {
				return fmt.Errorf("entry %s: %w", e.ID, sentinel.ErrConflict)
			}
			if isPgCode(err, pgForeignKeyViolation) {
				return fmt.Errorf("partition %s: %w", e.TenantID, sentinel.ErrNotFound)
			}
			return fmt.Errorf("insert history entry: %w", err)
		}

		committed := *e
		committed.SortKey = sortKey
		committed.EventTime = models.NewTimestamp(eventTime)
		payload, err := json.Marshal(&committed)
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		_, err = s.execer(ctx).ExecContext(ctx, `
			INSERT INTO history_outbox (entry_id, tenant_id, sort_key, payload)
			VALUES ($1, $2, $3, $4)`,
			e.ID, e.TenantID, sortKey, payload,
		)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}

		e.SortKey = sortKey
		e.EventTime = committed.EventTime
		return nil
	})
}

func (s *Postgres) CascadeDelete(ctx context.Context, tenantID string) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, dbSystem, tracing.StoreOperationCascade)
	defer func() { end(err) }()

	res, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM history_partitions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete partition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete partition: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("partition %s: %w", tenantID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Postgres) Scan(ctx context.Context, tenantID string, opts ScanOptions) iter.Seq2[*models.Entry, error] {
	return func(yield func(*models.Entry, error) bool) {
		upper := int64(math.MaxInt64)
		if opts.Before > 0 {
			upper = opts.Before
		}
		lower := opts.After

		order := "ASC"
		if opts.Descending {
			order = "DESC"
		}
		query := `
			SELECT tenant_id, sort_key, id, collection_id, group_id, record_id,
			       resource_name, action, target, uri, principal_id, event_time
			FROM history_entries
			WHERE tenant_id = $1 AND sort_key < $2 AND sort_key > $3
			ORDER BY sort_key ` + order + `
			LIMIT $4`

		for {
			batch, err := s.scanBatch(ctx, query, tenantID, upper, lower)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < scanBatchSize {
				return
			}
			last := batch[len(batch)-1].SortKey
			if opts.Descending {
				upper = last
			} else {
				lower = last
			}
		}
	}
}

func (s *Postgres) scanBatch(ctx context.Context, query, tenantID string, upper, lower int64) (entries []*models.Entry, err error) {
	ctx, end := tracing.StartStoreSpan(ctx, dbSystem, tracing.StoreOperationScan)
	defer func() { end(err) }()

	rows, err := s.execer(ctx).QueryContext(ctx, query, tenantID, upper, lower, scanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("query history entries: %w", err)
	}
	defer rows.Close()

	entries = make([]*models.Entry, 0, scanBatchSize)
	for rows.Next() {
		var (
			e         models.Entry
			kind      string
			action    string
			target    []byte
			eventTime time.Time
		)
		if err := rows.Scan(
			&e.TenantID, &e.SortKey, &e.ID, &e.CollectionID, &e.GroupID, &e.RecordID,
			&kind, &action, &target, &e.URI, &e.PrincipalID, &eventTime,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if err := json.Unmarshal(target, &e.Target); err != nil {
			return nil, fmt.Errorf("unmarshal target: %w", err)
		}
		e.ResourceKind = models.ResourceKind(kind)
		e.Action = models.Action(action)
		e.EventTime = models.NewTimestamp(eventTime)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history entries: %w", err)
	}
	return entries, nil
}

func (s *Postgres) Head(ctx context.Context, tenantID string) (int64, error) {
	var head int64
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT last_sort_key FROM history_partitions WHERE tenant_id = $1`, tenantID,
	).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read partition head: %w", err)
	}
	return head, nil
}

func isPgCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
