package fleet

import (
	"context"
	"sync"
	"time"

	"fleetgate/internal/store"
)

// Cache is the response cache behind the fleet client. Values are JSON
// blobs; an entry is valid only while now - storedAt < ttl and expired
// entries are evicted lazily on read.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

type memEntry struct {
	data     []byte
	storedAt time.Time
	ttl      time.Duration
}

// MemoryCache is the default single-process cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= e.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

func (c *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{data: val, storedAt: c.now(), ttl: ttl}
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// RedisCache shares the response cache between gateway instances, so two
// gateways in front of the same GPS51 account do not independently burn the
// upstream quota.
type RedisCache struct {
	store *store.Store
}

func NewRedisCache(s *store.Store) *RedisCache {
	return &RedisCache{store: s}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.store.Get(ctx, "cache:"+key)
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	_ = c.store.Set(ctx, "cache:"+key, val, ttl)
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	_ = c.store.Delete(ctx, "cache:"+key)
}
