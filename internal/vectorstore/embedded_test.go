package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/pkg/models"
)

func seed(t *testing.T, s *EmbeddedStore) {
	t.Helper()
	require.NoError(t, s.Upsert(context.Background(), []models.KnowledgeChunk{
		{ID: "a1", TenantID: "a", Category: "hours", Content: "open 9-5", Vector: []float64{1, 0, 0}},
		{ID: "a2", TenantID: "a", Category: "menu", Content: "pasta", Vector: []float64{0.8, 0.6, 0}},
		{ID: "a3", TenantID: "a", Category: "menu", Content: "salad", Vector: []float64{0, 1, 0}},
		{ID: "b1", TenantID: "b", Category: "hours", Content: "open 24/7", Vector: []float64{1, 0, 0}},
	}))
}

func TestEmbeddedSearchIsTenantScoped(t *testing.T) {
	s := NewEmbeddedStore()
	seed(t, s)

	hits, err := s.Search(context.Background(), "a", []float64{1, 0, 0}, 0, 10, nil)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "a", h.Chunk.TenantID)
	}
	require.Len(t, hits, 3)
	assert.Equal(t, "a1", hits[0].Chunk.ID)
	assert.Equal(t, "a2", hits[1].Chunk.ID)
}

func TestEmbeddedSearchThresholdAndFilter(t *testing.T) {
	s := NewEmbeddedStore()
	seed(t, s)
	ctx := context.Background()

	hits, err := s.Search(ctx, "a", []float64{1, 0, 0}, 0.7, 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.Search(ctx, "a", []float64{1, 0, 0}, 0, 10, map[string]string{"category": "menu"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a2", hits[0].Chunk.ID)

	hits, err = s.Search(ctx, "nobody", []float64{1, 0, 0}, 0, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmbeddedCapacity(t *testing.T) {
	s := NewEmbeddedStore(WithMaxChunks(1))
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []models.KnowledgeChunk{{ID: "x", TenantID: "a", Vector: []float64{1}}}))
	// Replacing an existing chunk does not grow the store.
	require.NoError(t, s.Upsert(ctx, []models.KnowledgeChunk{{ID: "x", TenantID: "a", Vector: []float64{0.5}}}))
	assert.Error(t, s.Upsert(ctx, []models.KnowledgeChunk{{ID: "y", TenantID: "a", Vector: []float64{1}}}))
	assert.Error(t, s.Upsert(ctx, []models.KnowledgeChunk{{ID: "z"}}))

	n, _ := s.Count(ctx, "a")
	assert.Equal(t, 1, n)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,2.5,-3]", vectorLiteral([]float64{1, 2.5, -3}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}
