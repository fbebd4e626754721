package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// defaultPermTTL bounds how stale a cached permission may be when an
// invalidation is missed (e.g. a write from another replica).
const defaultPermTTL = 5 * time.Minute

// permKey constructs the Redis key for a tenant's cached permission.
func permKey(tenantID string) string {
	return fmt.Sprintf("nocturne:perm:%s", tenantID)
}

// RedisPermissionCache is a read-through PermissionStore: lookups hit Redis
// first and fall back to the inner store, writes go to the inner store and
// synchronously invalidate the cached entry. Readers therefore never
// observe a write they raced past more than one cache generation.
type RedisPermissionCache struct {
	client *redis.Client
	inner  PermissionStore
	ttl    time.Duration
}

// NewRedisPermissionCache wraps inner with a Redis cache. A zero TTL uses
// the default.
func NewRedisPermissionCache(client *redis.Client, inner PermissionStore, ttl time.Duration) *RedisPermissionCache {
	if ttl <= 0 {
		ttl = defaultPermTTL
	}
	return &RedisPermissionCache{client: client, inner: inner, ttl: ttl}
}

// Get returns the cached permission when present, reading through to the
// inner store on a miss. Cache infrastructure failures degrade to the
// inner store and are logged, never surfaced.
func (c *RedisPermissionCache) Get(ctx context.Context, tenantID string) (*models.TenantPermission, error) {
	key := permKey(tenantID)

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var p models.TenantPermission
		if unmarshalErr := json.Unmarshal([]byte(val), &p); unmarshalErr == nil {
			return &p, nil
		}
		// Corrupt entry: drop it and fall through to the inner store.
		log.Printf("store: warning: corrupt cached permission for %s, invalidating", tenantID)
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		log.Printf("store: warning: permission cache read for %s failed: %v", tenantID, err)
	}

	p, err := c.inner.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if data, marshalErr := json.Marshal(p); marshalErr == nil {
		if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			log.Printf("store: warning: permission cache write for %s failed: %v", tenantID, setErr)
		}
	}
	return p, nil
}

// Put writes through to the inner store, then synchronously invalidates
// the cached entry. The invalidation error is surfaced: a stale cache
// after a permission write would let a revoked tenant keep operating for
// up to the TTL.
func (c *RedisPermissionCache) Put(ctx context.Context, p models.TenantPermission) error {
	if err := c.inner.Put(ctx, p); err != nil {
		return err
	}
	if err := c.client.Del(ctx, permKey(p.TenantID)).Err(); err != nil {
		return fmt.Errorf("store: permission written but cache invalidation failed for %s: %w", p.TenantID, err)
	}
	return nil
}

// Delete removes the record from the inner store and invalidates the cache.
func (c *RedisPermissionCache) Delete(ctx context.Context, tenantID string) error {
	if err := c.inner.Delete(ctx, tenantID); err != nil {
		return err
	}
	if err := c.client.Del(ctx, permKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("store: permission deleted but cache invalidation failed for %s: %w", tenantID, err)
	}
	return nil
}
