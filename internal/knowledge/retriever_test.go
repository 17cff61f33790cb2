package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/switchboardhq/switchboard/internal/embeddings"
	"github.com/switchboardhq/switchboard/internal/vectorstore"
	"github.com/switchboardhq/switchboard/pkg/models"
)

const fixtureYAML = `
tenants:
  bistro:
    - id: h1
      category: hours
      content: We are open from 5pm to 11pm Tuesday through Sunday
    - id: p1
      category: highlights
      content: Wood-fired pizza and a rooftop terrace
  dental:
    - id: d1
      category: hours
      content: We are open from 8am to 4pm Monday through Friday
    - id: d2
      category: highlights
      content: Same-day emergency appointments
`

func newFixtureRetriever(t *testing.T) *Retriever {
	t.Helper()
	emb := embeddings.NewHashDriver(128)
	store := vectorstore.NewEmbeddedStore()

	var fx Fixture
	require.NoError(t, yaml.Unmarshal([]byte(fixtureYAML), &fx))
	n, err := Seed(context.Background(), &fx, emb, store)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return NewRetriever(emb, store)
}

func TestRetrieveNeverCrossesTenants(t *testing.T) {
	r := newFixtureRetriever(t)
	hits, err := r.Retrieve(context.Background(), Query{TenantID: "bistro", Text: "when are you open", Threshold: -1, K: 10})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "bistro", h.Chunk.TenantID)
	}
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestRetrieveEmptyIsValid(t *testing.T) {
	r := newFixtureRetriever(t)
	hits, err := r.Retrieve(context.Background(), Query{TenantID: "bistro", Text: "quantum chromodynamics lecture"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = r.Retrieve(context.Background(), Query{TenantID: "unknown-tenant", Text: "open"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = r.Retrieve(context.Background(), Query{TenantID: "bistro", Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieveRequiresTenant(t *testing.T) {
	r := newFixtureRetriever(t)
	_, err := r.Retrieve(context.Background(), Query{Text: "open"})
	assert.ErrorIs(t, err, ErrNoTenant)
}

func TestClampK(t *testing.T) {
	assert.Equal(t, DefaultK, ClampK(0))
	assert.Equal(t, MinK, ClampK(-3))
	assert.Equal(t, MaxK, ClampK(50))
	assert.Equal(t, 7, ClampK(7))
}

func TestHighlights(t *testing.T) {
	r := newFixtureRetriever(t)
	hl, err := r.Highlights(context.Background(), "dental", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Same-day emergency appointments"}, hl)
}

// leakyStore ignores the tenant filter.
type leakyStore struct{ vectorstore.EmbeddedStore }

func (l *leakyStore) Search(context.Context, string, []float64, float64, int, map[string]string) ([]models.ScoredChunk, error) {
	return []models.ScoredChunk{
		{Chunk: models.KnowledgeChunk{ID: "x", TenantID: "other"}, Score: 0.99},
		{Chunk: models.KnowledgeChunk{ID: "y", TenantID: "t1"}, Score: 0.5},
		{Chunk: models.KnowledgeChunk{ID: "z", TenantID: "t1"}, Score: 0.9},
	}, nil
}

func TestRetrievePostFilters(t *testing.T) {
	r := NewRetriever(embeddings.NewHashDriver(8), &leakyStore{})
	hits, err := r.Retrieve(context.Background(), Query{TenantID: "t1", Text: "anything"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "z", hits[0].Chunk.ID)
}

type failingEmbedder struct{ *embeddings.HashDriver }

func (failingEmbedder) Embed(context.Context, []string) ([][]float64, error) {
	return nil, errors.New("embedder down")
}

func TestRetrieveEmbedError(t *testing.T) {
	r := NewRetriever(failingEmbedder{embeddings.NewHashDriver(8)}, vectorstore.NewEmbeddedStore())
	_, err := r.Retrieve(context.Background(), Query{TenantID: "t1", Text: "hi"})
	assert.ErrorContains(t, err, "embedder down")
}
