// Package vectorstore provides the knowledge stores behind retrieval:
// an embedded in-memory store and pgvector. Both apply the tenant filter
// inside the store, before scoring.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// DefaultMaxChunks caps the embedded store.
const DefaultMaxChunks = 50_000

// EmbeddedStore is an in-memory brute-force cosine store, partitioned by
// tenant. Suitable for development and small deployments.
type EmbeddedStore struct {
	mu        sync.RWMutex
	tenants   map[string]map[string]*models.KnowledgeChunk // tenant -> id -> chunk
	count     int
	maxChunks int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxChunks sets the capacity.
func WithMaxChunks(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxChunks = max }
}

// NewEmbeddedStore creates an in-memory store.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		tenants:   make(map[string]map[string]*models.KnowledgeChunk),
		maxChunks: DefaultMaxChunks,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_chunks", s.maxChunks).Msg("Embedded knowledge store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

func (s *EmbeddedStore) Upsert(_ context.Context, chunks []models.KnowledgeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, c := range chunks {
		if c.TenantID == "" {
			return fmt.Errorf("chunk %q has no tenant", c.ID)
		}
		if c.ID == "" {
			added++
			continue
		}
		if _, exists := s.tenants[c.TenantID][c.ID]; !exists {
			added++
		}
	}
	if s.count+added > s.maxChunks {
		return fmt.Errorf("embedded knowledge store capacity exceeded: %d > %d", s.count+added, s.maxChunks)
	}

	now := time.Now()
	for _, c := range chunks {
		cp := c
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		part, ok := s.tenants[cp.TenantID]
		if !ok {
			part = make(map[string]*models.KnowledgeChunk)
			s.tenants[cp.TenantID] = part
		}
		if _, exists := part[cp.ID]; !exists {
			s.count++
		}
		part[cp.ID] = &cp
	}
	return nil
}

// Search scores only the tenant's own partition. filter["category"] matches
// the chunk category; other keys match metadata.
func (s *EmbeddedStore) Search(_ context.Context, tenantID string, vector []float64, threshold float64, limit int, filter map[string]string) ([]models.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []models.ScoredChunk
	for _, c := range s.tenants[tenantID] {
		if len(c.Vector) != len(vector) || !matches(c, filter) {
			continue
		}
		score := cosineSimilarity(vector, c.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, models.ScoredChunk{Chunk: *c, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of chunks stored for a tenant.
func (s *EmbeddedStore) Count(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID]), nil
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error {
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func matches(c *models.KnowledgeChunk, filter map[string]string) bool {
	for k, v := range filter {
		if k == "category" {
			if c.Category != v {
				return false
			}
			continue
		}
		if c.Metadata[k] != v {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
