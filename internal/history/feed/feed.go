// Package feed relays committed history entries from the postgres outbox to
// a message broker.
//
// Delivery is at least once: a record is marked published only after the
// broker acknowledged it, in the transaction that claimed it. A crash between
// the two republishes the record. Consumers deduplicate on the entry id.
package feed

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"chronicle/internal/history/metrics"
	"chronicle/internal/history/store"
	"chronicle/internal/platform/tracing"
	"chronicle/pkg/platform/tx"
)

const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 100
	DefaultRetention = 24 * time.Hour

	roundTimeout = 10 * time.Second
	purgeEvery   = 60
)

// Message is one entry as sent to the broker. Key is the tenant id so a
// tenant's entries keep their order within one partition.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Publisher delivers messages to the broker and returns once they are
// acknowledged.
type Publisher interface {
	Publish(ctx context.Context, msgs []Message) error
}

// Outbox is the outbox side of the postgres history store.
type Outbox interface {
	tx.Runner
	ClaimOutbox(ctx context.Context, limit int) ([]store.OutboxRecord, error)
	MarkPublished(ctx context.Context, ids []int64, at time.Time) error
	PurgePublished(ctx context.Context, cutoff time.Time) (int64, error)
}

// Relay moves outbox records to a Publisher.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
	retention time.Duration
	now       func() time.Time
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithInterval sets the pause between relay rounds.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize caps the records moved per round.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRetention sets how long published records are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.retention = d
		}
	}
}

// New constructs a Relay.
func New(outbox Outbox, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		outbox:    outbox,
		publisher: publisher,
		logger:    slog.New(slog.DiscardHandler),
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx is cancelled. A full batch starts the next round
// immediately; otherwise the relay waits for the interval. Published
// records past retention are purged every purgeEvery rounds.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "history feed relay started", "interval", r.interval.String())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "history feed relay stopped")
			return nil
		case <-timer.C:
		}

		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.metrics.IncrementFeedFailure()
			r.logger.ErrorContext(ctx, "history feed relay round failed", "error", err)
		}
		if round%purgeEvery == 0 {
			r.purge(ctx)
		}

		wait := r.interval
		if err == nil && n == r.batchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// RelayOnce claims up to one batch of records, publishes them and marks them
// published. It returns the number of records relayed.
func (r *Relay) RelayOnce(ctx context.Context) (n int, err error) {
	ctx, cancel := context.WithTimeout(ctx, roundTimeout)
	defer cancel()
	ctx, end := tracing.StartSpan(ctx, "history.feed.relay")
	defer func() { end(err) }()

	err = r.outbox.RunInTx(ctx, func(ctx context.Context) error {
		records, err := r.outbox.ClaimOutbox(ctx, r.batchSize)
		if err != nil || len(records) == 0 {
			return err
		}
		msgs := make([]Message, len(records))
		ids := make([]int64, len(records))
		for i, rec := range records {
			msgs[i] = toMessage(rec)
			ids[i] = rec.ID
		}
		if err := r.publisher.Publish(ctx, msgs); err != nil {
			return err
		}
		if err := r.outbox.MarkPublished(ctx, ids, r.now()); err != nil {
			return err
		}
		n = len(records)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.metrics.AddFeedPublished(n)
		tracing.SetAttributes(ctx, attribute.Int("records", n))
		r.logger.DebugContext(ctx, "history entries relayed", "count", n)
	}
	return n, nil
}

func (r *Relay) purge(ctx context.Context) {
	purged, err := r.outbox.PurgePublished(ctx, r.now().Add(-r.retention))
	if err != nil {
		r.logger.WarnContext(ctx, "failed to purge history outbox", "error", err)
		return
	}
	if purged > 0 {
		r.logger.InfoContext(ctx, "purged history outbox", "records", purged)
	}
}

func toMessage(rec store.OutboxRecord) Message {
	return Message{
		Key:   []byte(rec.TenantID),
		Value: rec.Payload,
		Headers: map[string]string{
			"entry_id": rec.EntryID,
			"sort_key": strconv.FormatInt(rec.SortKey, 10),
		},
	}
}
