// Package store persists history entries in per-tenant partitions.
//
// Every backend keeps the same guarantees:
//   - Append assigns sort_key = last + 1 within the tenant and never reuses a
//     key while the tenant exists
//   - Append fails with sentinel.ErrNotFound when the partition does not exist
//     and with sentinel.ErrConflict when the entry id is taken
//   - CascadeDelete removes the partition and every entry in it atomically
//   - writes staged inside RunInTx become visible together or not at all
//
// Reads inside RunInTx observe committed state only.
package store

import (
	"context"
	"iter"

	"chronicle/internal/history/models"
	"chronicle/pkg/platform/tx"
)

// ScanOptions bounds and orders a partition scan. Bounds are exclusive sort
// keys; zero means unbounded.
type ScanOptions struct {
	Descending bool
	Before     int64
	After      int64
}

// Store is the history persistence boundary.
type Store interface {
	tx.Runner
	// CreatePartition opens an empty partition for a new tenant.
	CreatePartition(ctx context.Context, tenantID string) error
	// Append inserts e and assigns its SortKey. EventTime is clamped to the
	// partition's latest event time.
	Append(ctx context.Context, e *models.Entry) error
	// CascadeDelete drops the partition with all of its entries.
	CascadeDelete(ctx context.Context, tenantID string) error
	// Scan lazily yields the partition's entries in sort key order. A missing
	// partition yields nothing.
	Scan(ctx context.Context, tenantID string, opts ScanOptions) iter.Seq2[*models.Entry, error]
	// Head returns the highest sort key assigned in the partition, 0 when the
	// partition is empty or missing.
	Head(ctx context.Context, tenantID string) (int64, error)
}

// scanBatchSize is the number of entries fetched per round trip by the
// remote backends.
const scanBatchSize = 200
