// Package instancecache wraps a storecontracts.IntegrationInstances with
// a Redis-backed cache-aside layer, per §5's note that "Integration-
// instance DB reads are on the hot path of every poll and every
// subscribe; implementations should cache or rely on the DB driver's
// own locking." Grounded on the teacher's internal/data/cache/ttl.go
// TTL-map shape, rebuilt against github.com/redis/go-redis/v9 so the
// cache survives process restarts and is shared across instances of
// the hub.
package instancecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/streamhub/internal/hub/storecontracts"
)

// DefaultTTL matches the poll/subscribe hot-path cadence: stale enough
// to absorb bursts, fresh enough that a config edit is visible within
// one cycle.
const DefaultTTL = 5 * time.Second

// Cache is a cache-aside decorator over an underlying
// storecontracts.IntegrationInstances, keyed in Redis by id/type.
type Cache struct {
	rdb   *redis.Client
	under storecontracts.IntegrationInstances
	ttl   time.Duration
}

// New builds a Cache wrapping under, reading and writing through rdb.
func New(rdb *redis.Client, under storecontracts.IntegrationInstances) *Cache {
	return &Cache{rdb: rdb, under: under, ttl: DefaultTTL}
}

// WithTTL overrides the default per-entry TTL; intended for tests.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	c.ttl = ttl
	return c
}

func idKey(id string) string   { return "hub:instance:id:" + id }
func typeKey(t string) string  { return "hub:instance:type:" + t }
func firstKey(t string) string { return "hub:instance:first:" + t }

// GetByID serves from Redis on hit; on miss it reads through to the
// underlying store and populates the cache.
func (c *Cache) GetByID(ctx context.Context, id string) (*storecontracts.Instance, error) {
	if inst, ok := c.readOne(ctx, idKey(id)); ok {
		return inst, nil
	}
	inst, err := c.under.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		c.writeOne(ctx, idKey(id), inst)
	}
	return inst, nil
}

// GetByType serves from Redis on hit; on miss it reads through and
// populates the cache.
func (c *Cache) GetByType(ctx context.Context, typeID string) ([]storecontracts.Instance, error) {
	if insts, ok := c.readMany(ctx, typeKey(typeID)); ok {
		return insts, nil
	}
	insts, err := c.under.GetByType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	c.writeMany(ctx, typeKey(typeID), insts)
	return insts, nil
}

// FirstEnabledByType serves from Redis on hit; on miss it reads through
// and populates the cache.
func (c *Cache) FirstEnabledByType(ctx context.Context, typeID string) (*storecontracts.Instance, error) {
	if inst, ok := c.readOne(ctx, firstKey(typeID)); ok {
		return inst, nil
	}
	inst, err := c.under.FirstEnabledByType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		c.writeOne(ctx, firstKey(typeID), inst)
	}
	return inst, nil
}

// Invalidate drops every cached entry touching instanceID/typeID, used
// when an integration's config is saved so the next read is fresh.
func (c *Cache) Invalidate(ctx context.Context, instanceID, typeID string) {
	c.rdb.Del(ctx, idKey(instanceID), typeKey(typeID), firstKey(typeID))
}

func (c *Cache) readOne(ctx context.Context, key string) (*storecontracts.Instance, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var inst storecontracts.Instance
	if json.Unmarshal(b, &inst) != nil {
		return nil, false
	}
	return &inst, true
}

func (c *Cache) writeOne(ctx context.Context, key string, inst *storecontracts.Instance) {
	b, err := json.Marshal(inst)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, b, c.ttl)
}

func (c *Cache) readMany(ctx context.Context, key string) ([]storecontracts.Instance, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var insts []storecontracts.Instance
	if json.Unmarshal(b, &insts) != nil {
		return nil, false
	}
	return insts, true
}

func (c *Cache) writeMany(ctx context.Context, key string, insts []storecontracts.Instance) {
	b, err := json.Marshal(insts)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, key, b, c.ttl)
}

var _ storecontracts.IntegrationInstances = (*Cache)(nil)

// Ping verifies connectivity at boot, matching the teacher's fail-fast
// style for external dependencies.
func Ping(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("instancecache: redis ping: %w", err)
	}
	return nil
}
