package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/switchboardhq/switchboard/pkg/contracts"
)

// CachingDriver memoizes single-text embeddings. Retrieval embeds one query
// per turn and callers repeat the same short phrases often, so a small
// bounded cache avoids a network round trip on the hot path. Concurrent
// misses for the same text share one upstream call.
type CachingDriver struct {
	inner contracts.EmbeddingDriver
	size  int

	mu    sync.Mutex
	items map[string][]float64
	order []string
	group singleflight.Group
}

// NewCachingDriver wraps inner with a FIFO cache of at most size entries.
func NewCachingDriver(inner contracts.EmbeddingDriver, size int) *CachingDriver {
	return &CachingDriver{
		inner: inner,
		size:  size,
		items: make(map[string][]float64, size),
	}
}

func (c *CachingDriver) Kind() string    { return c.inner.Kind() }
func (c *CachingDriver) Dimensions() int { return c.inner.Dimensions() }

// Embed serves single-text requests from the cache. Batches pass through.
func (c *CachingDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}

	sum := sha256.Sum256([]byte(texts[0]))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	if v, ok := c.items[key]; ok {
		c.mu.Unlock()
		return [][]float64{v}, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		vecs, err := c.inner.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		c.put(key, vecs[0])
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return [][]float64{v.([]float64)}, nil
}

func (c *CachingDriver) put(key string, v []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		return
	}
	if len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = v
	c.order = append(c.order, key)
}

// Len returns the number of cached vectors.
func (c *CachingDriver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *CachingDriver) HealthCheck(ctx context.Context) error {
	return c.inner.HealthCheck(ctx)
}
