package prompt

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// DefaultTTL bounds how long a compiled prompt is served.
const DefaultTTL = 15 * time.Minute

const compileTimeout = 10 * time.Second

type tenantEntries struct {
	generation uint64
	prompts    map[string]*models.CompiledPrompt
}

// Cache serves compiled prompts keyed by Key(in). Concurrent misses for the
// same key compile once. Invalidate bumps a per-tenant generation so a
// compile that started before the invalidation is never stored.
type Cache struct {
	compiler *Compiler
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantEntries
	group   singleflight.Group
}

// NewCache creates a cache in front of compiler. ttl <= 0 uses DefaultTTL.
func NewCache(compiler *Compiler, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		compiler: compiler,
		ttl:      ttl,
		now:      time.Now,
		tenants:  make(map[string]*tenantEntries),
	}
}

func (c *Cache) entries(tenantID string) *tenantEntries {
	te := c.tenants[tenantID]
	if te == nil {
		te = &tenantEntries{prompts: make(map[string]*models.CompiledPrompt)}
		c.tenants[tenantID] = te
	}
	return te
}

// Get returns the cached prompt for in, compiling it on a miss or after
// expiry.
func (c *Cache) Get(ctx context.Context, in Input) (*models.CompiledPrompt, error) {
	key := Key(in)
	tenantID := in.Tenant.ID

	c.mu.Lock()
	te := c.entries(tenantID)
	if p, ok := te.prompts[key]; ok && c.now().Before(p.ExpiresAt) {
		c.mu.Unlock()
		metrics.RecordPromptCache("hit")
		return p, nil
	}
	gen := te.generation
	c.mu.Unlock()
	metrics.RecordPromptCache("miss")

	flight := tenantID + "/" + strconv.FormatUint(gen, 10) + "/" + key
	v, err, _ := c.group.Do(flight, func() (any, error) {
		// Detached so one caller's cancellation does not fail every waiter.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compileTimeout)
		defer cancel()

		p, err := c.compiler.Compile(cctx, in)
		if err != nil {
			return nil, err
		}
		p.Key = key
		p.ExpiresAt = c.now().Add(c.ttl)
		c.store(tenantID, gen, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CompiledPrompt), nil
}

func (c *Cache) store(tenantID string, gen uint64, p *models.CompiledPrompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	te := c.entries(tenantID)
	if te.generation != gen {
		return
	}
	now := c.now()
	for k, old := range te.prompts {
		if !now.Before(old.ExpiresAt) {
			delete(te.prompts, k)
		}
	}
	te.prompts[p.Key] = p
}

// Invalidate drops every prompt of a tenant and returns how many were
// removed.
func (c *Cache) Invalidate(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	te := c.entries(tenantID)
	n := len(te.prompts)
	te.generation++
	te.prompts = make(map[string]*models.CompiledPrompt)
	return n
}

// Len returns the number of cached prompts across tenants.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, te := range c.tenants {
		n += len(te.prompts)
	}
	return n
}
