// Package idempotency implements the cloud ingress's uid dedup cache:
// advisory at-least-once deduplication, not a consistency boundary.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/sentinel/internal/infra"
)

const defaultTTL = 24 * time.Hour

// Cache reports and records uid membership with a TTL. SetIfAbsent is the
// only operation ingress needs: it must behave atomically so two
// concurrent POSTs of the same uid never both see "absent".
type Cache interface {
	// SetIfAbsent returns true if uid was newly inserted (not a duplicate),
	// false if it already existed.
	SetIfAbsent(ctx context.Context, uid string) (inserted bool, err error)
}

// RedisCache backs the idempotency cache with SETEX/GET semantics over a
// shared Redis instance, for multi-replica ingress deployments.
type RedisCache struct {
	adapter *infra.GoRedisAdapter
	prefix  string
	ttl     time.Duration
}

// NewRedisCache builds a Cache over an existing Redis connection.
func NewRedisCache(adapter *infra.GoRedisAdapter, prefix string) *RedisCache {
	return &RedisCache{adapter: adapter, prefix: prefix, ttl: defaultTTL}
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, uid string) (bool, error) {
	key := c.prefix + uid
	if _, err := c.adapter.Get(ctx, key); err == nil {
		return false, nil
	}
	if err := c.adapter.Set(ctx, key, []byte("1"), c.ttl); err != nil {
		return false, err
	}
	return true, nil
}

// MemCache is an in-process Cache for single-replica deployments and tests.
// Expired entries are swept lazily on access.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

// NewMemCache returns an empty in-memory idempotency cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]time.Time), ttl: defaultTTL}
}

func (c *MemCache) SetIfAbsent(ctx context.Context, uid string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[uid]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	c.entries[uid] = time.Now().Add(c.ttl)
	return true, nil
}

// Sweep removes expired entries; callers may run this periodically to
// bound memory, though correctness doesn't depend on it.
func (c *MemCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for uid, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, uid)
		}
	}
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemCache)(nil)
)
