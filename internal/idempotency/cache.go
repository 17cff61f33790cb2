// Package idempotency remembers the reply produced for each inbound
// idempotency key so a redelivered event is answered again without
// repeating any side effect.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// DefaultTTL matches the gate's replay window with headroom for slow
// redeliveries.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "switchboard:reply:"

func cacheKey(tenantID, key string) string {
	return keyPrefix + tenantID + ":" + key
}

type memoryEntry struct {
	reply     models.Reply
	expiresAt time.Time
}

// MemoryCache is a process-local ReplyCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock replaces the cache clock. Used by tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Get(_ context.Context, tenantID, key string) (*models.Reply, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(tenantID, key)
	e, ok := c.entries[k]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, k)
		return nil, false, nil
	}
	r := e.reply
	return &r, true, nil
}

// Put stores reply and drops expired entries.
func (c *MemoryCache) Put(_ context.Context, tenantID, key string, reply *models.Reply, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[cacheKey(tenantID, key)] = memoryEntry{reply: *reply, expiresAt: now.Add(ttl)}
	return nil
}

// Len reports the number of live and not yet pruned entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares replies between replicas.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, tenantID, key string) (*models.Reply, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached reply: %w", err)
	}
	var r models.Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode cached reply: %w", err)
	}
	return &r, true, nil
}

func (c *RedisCache) Put(ctx context.Context, tenantID, key string, reply *models.Reply, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(tenantID, key), data, ttl).Err()
}
