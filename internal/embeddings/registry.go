// Package embeddings provides the embedding drivers used by knowledge
// retrieval: OpenAI, Ollama and a local feature-hashing driver for
// development and tests.
package embeddings

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/pkg/contracts"
)

// Settings selects and configures a driver.
type Settings struct {
	Kind       string
	Model      string
	APIKey     string
	Endpoint   string
	Dimensions int
	CacheSize  int
}

// New builds the configured embedding driver, wrapped in a query cache when
// CacheSize is positive.
func New(s Settings) (contracts.EmbeddingDriver, error) {
	var d contracts.EmbeddingDriver
	switch s.Kind {
	case "openai":
		if s.APIKey == "" {
			return nil, fmt.Errorf("openai embeddings require an API key")
		}
		var opts []OpenAIOption
		if s.Endpoint != "" {
			opts = append(opts, WithOpenAIEndpoint(s.Endpoint))
		}
		d = NewOpenAIDriver(s.APIKey, s.Model, opts...)
	case "ollama":
		d = NewOllamaDriver(s.Endpoint, s.Model)
	case "hash", "":
		d = NewHashDriver(s.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding driver %q", s.Kind)
	}

	if s.CacheSize > 0 {
		d = NewCachingDriver(d, s.CacheSize)
	}
	log.Info().Str("kind", d.Kind()).Int("dims", d.Dimensions()).Msg("Embedding driver ready")
	return d, nil
}
