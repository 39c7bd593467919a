package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// OutboxRecord is a committed history entry waiting to be published.
type OutboxRecord struct {
	ID       int64
	EntryID  string
	TenantID string
	SortKey  int64
	Payload  []byte
}

// ClaimOutbox locks up to limit unpublished records in insertion order.
// Call it inside RunInTx; rows locked by another relay are skipped.
func (s *Postgres) ClaimOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, entry_id, tenant_id, sort_key, payload
		FROM history_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		if err := rows.Scan(&r.ID, &r.EntryID, &r.TenantID, &r.SortKey, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return records, nil
}

// MarkPublished stamps the given outbox records as delivered.
func (s *Postgres) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE history_outbox SET published_at = $2 WHERE id = ANY($1)`,
		pq.Array(ids), at)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// PurgePublished deletes published records older than cutoff.
func (s *Postgres) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM history_outbox WHERE published_at IS NOT NULL AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return res.RowsAffected()
}
