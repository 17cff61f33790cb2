package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashDriver is a deterministic bag-of-words embedder using the hashing
// trick. It needs no network and gives identical vectors for identical
// token sets, which is enough for development and tests.
type HashDriver struct {
	dimensions int
}

// NewHashDriver creates a hashing embedder. dims defaults to 256.
func NewHashDriver(dims int) *HashDriver {
	if dims <= 0 {
		dims = 256
	}
	return &HashDriver{dimensions: dims}
}

func (d *HashDriver) Kind() string    { return "hash" }
func (d *HashDriver) Dimensions() int { return d.dimensions }

// Embed returns one L2-normalized vector per text.
func (d *HashDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = d.vector(t)
	}
	return out, nil
}

func (d *HashDriver) vector(text string) []float64 {
	v := make([]float64, d.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(d.dimensions))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v
}

func (d *HashDriver) HealthCheck(context.Context) error { return nil }
