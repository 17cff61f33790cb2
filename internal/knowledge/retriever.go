// Package knowledge answers semantic queries over a tenant's business
// knowledge. It is query-side only: ingestion belongs to another service.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

const (
	DefaultK         = 4
	MinK             = 1
	MaxK             = 10
	DefaultThreshold = 0.7
)

// ErrNoTenant is returned for a query without a tenant.
var ErrNoTenant = errors.New("knowledge query requires a tenant")

// Query is one retrieval request. Zero K and Threshold select defaults;
// a negative Threshold disables the similarity floor.
type Query struct {
	TenantID  string
	Text      string
	Category  string
	K         int
	Threshold float64
}

// Retriever embeds a query and searches the tenant's knowledge.
type Retriever struct {
	embeddings contracts.EmbeddingDriver
	store      contracts.VectorStoreDriver
	threshold  float64
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithDefaultThreshold overrides the 0.7 similarity floor.
func WithDefaultThreshold(t float64) Option {
	return func(r *Retriever) { r.threshold = t }
}

// NewRetriever creates a retriever.
func NewRetriever(emb contracts.EmbeddingDriver, store contracts.VectorStoreDriver, opts ...Option) *Retriever {
	r := &Retriever{embeddings: emb, store: store, threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ClampK bounds k to [MinK, MaxK], mapping 0 to DefaultK.
func ClampK(k int) int {
	switch {
	case k == 0:
		return DefaultK
	case k < MinK:
		return MinK
	case k > MaxK:
		return MaxK
	}
	return k
}

// Retrieve returns up to k chunks of the query's tenant scoring at or above
// the threshold, best first. An empty result is valid and not an error.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]models.ScoredChunk, error) {
	if q.TenantID == "" {
		return nil, ErrNoTenant
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	k := ClampK(q.K)
	threshold := q.Threshold
	if threshold == 0 {
		threshold = r.threshold
	}

	ctx, span := otel.Tracer("switchboard.knowledge").Start(ctx, "knowledge.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", q.TenantID),
		attribute.Int("k", k),
		attribute.Float64("threshold", threshold),
	)

	start := time.Now()
	vectors, err := r.embeddings.Embed(ctx, []string{q.Text})
	if err != nil {
		metrics.RecordRetrieval("error", time.Since(start))
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		metrics.RecordRetrieval("error", time.Since(start))
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vectors))
	}

	var filter map[string]string
	if q.Category != "" {
		filter = map[string]string{"category": q.Category}
	}

	hits, err := r.store.Search(ctx, q.TenantID, vectors[0], threshold, k, filter)
	if err != nil {
		metrics.RecordRetrieval("error", time.Since(start))
		return nil, fmt.Errorf("search knowledge: %w", err)
	}

	// Re-check what the store returned; a misbehaving store must not leak
	// another tenant's chunks or sub-threshold matches.
	out := hits[:0]
	for _, h := range hits {
		if h.Chunk.TenantID != q.TenantID {
			log.Error().
				Str("tenant", q.TenantID).
				Str("chunk_tenant", h.Chunk.TenantID).
				Str("chunk", h.Chunk.ID).
				Msg("Knowledge store returned a chunk of another tenant; dropped")
			continue
		}
		if h.Score < threshold {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}

	elapsed := time.Since(start)
	status := "hit"
	if len(out) == 0 {
		status = "empty"
	}
	metrics.RecordRetrieval(status, elapsed)
	span.SetAttributes(attribute.Int("results", len(out)))
	log.Debug().
		Str("tenant", q.TenantID).
		Int("results", len(out)).
		Dur("elapsed", elapsed).
		Msg("Knowledge query complete")
	return out, nil
}

// Highlights returns short tenant facts for prompt enrichment: the best
// matches in the "highlights" category for a generic overview query.
func (r *Retriever) Highlights(ctx context.Context, tenantID string, limit int) ([]string, error) {
	hits, err := r.Retrieve(ctx, Query{
		TenantID:  tenantID,
		Text:      "what customers should know about this business",
		Category:  "highlights",
		K:         limit,
		Threshold: -1,
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Chunk.Content)
	}
	return out, nil
}
