// Package cache is the read-through active-snapshot cache Context
// Resolution consults before falling back to the Snapshot Store. It is
// a decorator over snapshot.Store, not a replacement for it: every
// write still goes straight through to the inner store, and cached
// entries are invalidated by the projector worker as outbox events are
// delivered rather than by the cache itself tracking writes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/semregistry/kernel/pkg/kernelerr"
	"github.com/semregistry/kernel/pkg/projector"
	"github.com/semregistry/kernel/pkg/snapshot"
	"github.com/semregistry/kernel/pkg/types"
)

var _ projector.CacheInvalidator = (*Cache)(nil)

// redisClient is the subset of *redis.Client the cache needs, so tests
// can point it at a miniredis instance without reaching past the
// interface.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache fronts the active-snapshot lookups Resolve serves most often:
// one key per (object_type, fqn), holding the JSON-encoded active
// Snapshot row.
type Cache struct {
	rdb redisClient
	ttl time.Duration
}

// New wires a Cache over an existing redis client (real or miniredis-
// backed). ttl of zero means entries never expire on their own and
// rely entirely on explicit Invalidate calls.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(objectType types.ObjectType, fqn types.FQN) string {
	return fmt.Sprintf("active:%s:%s", objectType, fqn)
}

// Get returns the cached active snapshot for (objectType, fqn), and
// whether it was present.
func (c *Cache) Get(ctx context.Context, objectType types.ObjectType, fqn types.FQN) (snapshot.Snapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, key(objectType, fqn)).Bytes()
	if err == redis.Nil {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, kernelerr.Wrap(kernelerr.Internal, "cache get", err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot.Snapshot{}, false, kernelerr.Wrap(kernelerr.Internal, "cache decode", err)
	}
	return snap, true, nil
}

// Set caches snap as the active row for its own (object_type, fqn).
func (c *Cache) Set(ctx context.Context, snap snapshot.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "cache encode", err)
	}
	if err := c.rdb.Set(ctx, key(snap.ObjectType, snap.FQN()), raw, c.ttl).Err(); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "cache set", err)
	}
	return nil
}

// Invalidate evicts the cached active row for (objectType, fqn), the
// hook the projector worker calls once it has applied an outbox event
// superseding or retiring that row.
func (c *Cache) Invalidate(ctx context.Context, objectType types.ObjectType, fqn types.FQN) error {
	if err := c.rdb.Del(ctx, key(objectType, fqn)).Err(); err != nil {
		return kernelerr.Wrap(kernelerr.Internal, "cache invalidate", err)
	}
	return nil
}
