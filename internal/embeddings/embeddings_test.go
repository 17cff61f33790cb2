package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDriverDeterministic(t *testing.T) {
	d := NewHashDriver(64)
	vecs, err := d.Embed(context.Background(), []string{"Open late on Fridays", "open LATE on fridays!", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[1])

	var norm float64
	for _, x := range vecs[0] {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
	for _, x := range vecs[2] {
		assert.Zero(t, x)
	}
}

type countingDriver struct {
	*HashDriver
	calls atomic.Int32
}

func (c *countingDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	c.calls.Add(1)
	return c.HashDriver.Embed(ctx, texts)
}

func TestCachingDriver(t *testing.T) {
	inner := &countingDriver{HashDriver: NewHashDriver(16)}
	c := NewCachingDriver(inner, 2)
	ctx := context.Background()

	_, err := c.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	_, err = c.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	_, _ = c.Embed(ctx, []string{"b"})
	_, _ = c.Embed(ctx, []string{"c"})
	assert.Equal(t, 2, c.Len())

	// "a" was evicted first.
	_, _ = c.Embed(ctx, []string{"a"})
	assert.Equal(t, int32(4), inner.calls.Load())

	// Batches bypass the cache.
	_, _ = c.Embed(ctx, []string{"a", "b"})
	assert.Equal(t, int32(5), inner.calls.Load())
}

func TestOpenAIDriverReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{0, 1}},
				{"index": 0, "embedding": []float64{1, 0}},
			},
		})
	}))
	defer srv.Close()

	d := NewOpenAIDriver("k", "", WithOpenAIEndpoint(srv.URL))
	vecs, err := d.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, 1536, d.Dimensions())
}

func TestOllamaDriverCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{1}}})
	}))
	defer srv.Close()

	_, err := NewOllamaDriver(srv.URL, "").Embed(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "expected 2 embeddings")
}

func TestNewSelectsDriver(t *testing.T) {
	d, err := New(Settings{Kind: "hash", Dimensions: 32, CacheSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "hash", d.Kind())
	assert.IsType(t, &CachingDriver{}, d)

	_, err = New(Settings{Kind: "openai"})
	assert.Error(t, err)
	_, err = New(Settings{Kind: "word2vec"})
	assert.Error(t, err)
}
