package identity

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-grouping/internal/models"
)

// MemoryCache is a read-through Directory with a small in-process TTL cache.
type MemoryCache struct {
	next Directory
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	p  models.Profile
	ts time.Time
}

func NewMemoryCache(next Directory, ttl time.Duration) *MemoryCache {
	return &MemoryCache{next: next, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func (c *MemoryCache) Lookup(ctx context.Context, userID string) (models.Profile, error) {
	c.mu.RLock()
	e, ok := c.store[userID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return e.p, nil
	}
	p, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return p, err
	}
	c.mu.Lock()
	c.store[userID] = cacheEntry{p: p, ts: c.now()}
	c.mu.Unlock()
	return p, nil
}

// RedisCache is a read-through Directory that shares profiles between
// engine replicas. Redis errors fall through to the wrapped directory.
type RedisCache struct {
	client redis.UniversalClient
	next   Directory
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, next Directory, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, next: next, ttl: ttl}
}

func profileKey(userID string) string { return "profile:" + userID }

func (r *RedisCache) Lookup(ctx context.Context, userID string) (models.Profile, error) {
	// A miss, a Redis error and a corrupt entry all fall through to the
	// identity service.
	if raw, err := r.client.Get(ctx, profileKey(userID)).Bytes(); err == nil {
		var p models.Profile
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			p.Known = true
			return p, nil
		}
	}

	p, err := r.next.Lookup(ctx, userID)
	if err != nil {
		return p, err
	}
	if b, jerr := json.Marshal(p); jerr == nil {
		_ = r.client.Set(ctx, profileKey(userID), b, r.ttl).Err()
	}
	return p, nil
}
