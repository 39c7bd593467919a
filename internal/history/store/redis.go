package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chronicle/internal/history/models"
	"chronicle/internal/platform/tracing"
	"chronicle/pkg/platform/sentinel"
)

//go:embed redis_commit.lua
var commitSource string

var commitScript = redis.NewScript(commitSource)

const (
	redisSystem        = "redis"
	DefaultRedisPrefix = "chronicle:history"
)

// Redis stores history in Redis. Each tenant owns a sorted set of entry ids
// scored by sort key, a hash of entry documents and a counter hash. All
// writes go through one Lua script so a journal is validated and applied
// atomically. Key names are not hash-tagged; use a single node or a
// deployment that keeps the prefix on one slot.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis constructs a Redis-backed store. An empty prefix uses
// DefaultRedisPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) key(tenantID, suffix string) string {
	return s.prefix + ":t:" + tenantID + ":" + suffix
}

func (s *Redis) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return runJournaled(ctx, s, s.commit, fn)
}

func (s *Redis) CreatePartition(ctx context.Context, tenantID string) error {
	return stage(ctx, s, s.commit, op{kind: opCreatePartition, tenantID: tenantID})
}

func (s *Redis) Append(ctx context.Context, e *models.Entry) error {
	return stage(ctx, s, s.commit, op{kind: opAppend, tenantID: e.TenantID, entry: e})
}

func (s *Redis) CascadeDelete(ctx context.Context, tenantID string) error {
	return stage(ctx, s, s.commit, op{kind: opCascade, tenantID: tenantID})
}

func (s *Redis) commit(ctx context.Context, ops []op) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, redisSystem, tracing.StoreOperationCommit)
	defer func() { end(err) }()

	args := make([]any, 0, 2+len(ops)*5)
	args = append(args, s.prefix, len(ops))
	var appended []*models.Entry
	for _, o := range ops {
		var id, micros, doc string
		if o.kind == opAppend {
			raw, err := json.Marshal(o.entry)
			if err != nil {
				return fmt.Errorf("marshal history entry: %w", err)
			}
			id = o.entry.ID
			micros = strconv.FormatInt(o.entry.EventTime.UnixMicro(), 10)
			doc = string(raw)
			appended = append(appended, o.entry)
		}
		args = append(args, o.kind.String(), o.tenantID, id, micros, doc)
	}

	reply, err := commitScript.Run(ctx, s.client, nil, args...).Int64Slice()
	if err != nil {
		return translateScriptError(err)
	}
	if len(reply) != 2*len(appended) {
		return fmt.Errorf("commit history: unexpected reply length %d", len(reply))
	}
	for i, e := range appended {
		e.SortKey = reply[2*i]
		e.EventTime = models.NewTimestamp(time.UnixMicro(reply[2*i+1]))
	}
	return nil
}

func translateScriptError(err error) error {
	msg := err.Error()
	if _, detail, ok := strings.Cut(msg, "NOTFOUND "); ok {
		return fmt.Errorf("%s: %w", detail, sentinel.ErrNotFound)
	}
	if _, detail, ok := strings.Cut(msg, "CONFLICT "); ok {
		return fmt.Errorf("%s: %w", detail, sentinel.ErrConflict)
	}
	return fmt.Errorf("commit history: %w", err)
}

// storedEntry is the document layout written by the commit script, which
// appends the assigned sort key and clamped event time.
type storedEntry struct {
	models.Entry
	EventTimeMicros int64 `json:"event_time_us"`
}

func (s *Redis) Scan(ctx context.Context, tenantID string, opts ScanOptions) iter.Seq2[*models.Entry, error] {
	return func(yield func(*models.Entry, error) bool) {
		upper, lower := opts.Before, opts.After
		for {
			batch, err := s.scanBatch(ctx, tenantID, opts.Descending, upper, lower)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range batch.entries {
				if !yield(e, nil) {
					return
				}
			}
			if batch.fetched < scanBatchSize {
				return
			}
			if opts.Descending {
				upper = batch.lastKey
			} else {
				lower = batch.lastKey
			}
		}
	}
}

type redisBatch struct {
	entries []*models.Entry
	fetched int
	lastKey int64
}

func (s *Redis) scanBatch(ctx context.Context, tenantID string, desc bool, upper, lower int64) (batch redisBatch, err error) {
	ctx, end := tracing.StartStoreSpan(ctx, redisSystem, tracing.StoreOperationScan)
	defer func() { end(err) }()

	stop := "+inf"
	if upper > 0 {
		stop = "(" + strconv.FormatInt(upper, 10)
	}
	members, err := s.client.ZRangeArgsWithScores(ctx, redis.ZRangeArgs{
		Key:     s.key(tenantID, "index"),
		Start:   "(" + strconv.FormatInt(lower, 10),
		Stop:    stop,
		ByScore: true,
		Rev:     desc,
		Count:   scanBatchSize,
	}).Result()
	if err != nil {
		return batch, fmt.Errorf("range history index: %w", err)
	}
	batch.fetched = len(members)
	if len(members) == 0 {
		return batch, nil
	}
	batch.lastKey = int64(members[len(members)-1].Score)

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = fmt.Sprint(m.Member)
	}
	docs, err := s.client.HMGet(ctx, s.key(tenantID, "entries"), ids...).Result()
	if err != nil {
		return batch, fmt.Errorf("load history entries: %w", err)
	}

	batch.entries = make([]*models.Entry, 0, len(docs))
	for _, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			// Cascaded between the range and the fetch.
			continue
		}
		var stored storedEntry
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return batch, fmt.Errorf("decode history entry: %w", err)
		}
		e := stored.Entry
		e.EventTime = models.NewTimestamp(time.UnixMicro(stored.EventTimeMicros))
		batch.entries = append(batch.entries, &e)
	}
	return batch, nil
}

func (s *Redis) Head(ctx context.Context, tenantID string) (int64, error) {
	head, err := s.client.HGet(ctx, s.key(tenantID, "meta"), "last_sort_key").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read partition head: %w", err)
	}
	return head, nil
}
