package service

import (
	"context"
	"hash/fnv"
	"sync"

	dErrors "chronicle/pkg/domain-errors"
)

// numTenantShards spreads tenants over a fixed set of mutexes. Mutations of
// one tenant always land on the same shard and run one at a time.
const numTenantShards = 128

type tenantLocks struct {
	shards [numTenantShards]sync.Mutex
}

// lock acquires the tenant's shard and returns its release function. It
// fails when ctx ends before the lock is acquired.
func (l *tenantLocks) lock(ctx context.Context, tenantID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "mutation aborted: context cancelled")
	}
	mu := &l.shards[shardFor(tenantID)]
	mu.Lock()
	if err := ctx.Err(); err != nil {
		mu.Unlock()
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "mutation aborted: context cancelled")
	}
	return mu.Unlock, nil
}

func shardFor(tenantID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return h.Sum32() % numTenantShards
}
