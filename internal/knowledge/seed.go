package knowledge

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// Fixture is a development knowledge file:
//
//	tenants:
//	  bistro-42:
//	    - id: hours-1
//	      category: hours
//	      content: We are open 5pm-11pm Tuesday to Sunday.
type Fixture struct {
	Tenants map[string][]struct {
		ID       string            `yaml:"id"`
		Category string            `yaml:"category"`
		Content  string            `yaml:"content"`
		Metadata map[string]string `yaml:"metadata"`
	} `yaml:"tenants"`
}

// SeedFile embeds the entries of a fixture file and upserts them.
// It returns the number of chunks written.
func SeedFile(ctx context.Context, path string, emb contracts.EmbeddingDriver, store contracts.VectorStoreDriver) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read knowledge fixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return 0, fmt.Errorf("parse knowledge fixture: %w", err)
	}
	return Seed(ctx, &fx, emb, store)
}

// Seed embeds and upserts every fixture entry.
func Seed(ctx context.Context, fx *Fixture, emb contracts.EmbeddingDriver, store contracts.VectorStoreDriver) (int, error) {
	total := 0
	for tenantID, entries := range fx.Tenants {
		if len(entries) == 0 {
			continue
		}
		texts := make([]string, len(entries))
		for i, e := range entries {
			texts[i] = e.Content
		}
		vectors, err := emb.Embed(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embed %s fixtures: %w", tenantID, err)
		}

		chunks := make([]models.KnowledgeChunk, len(entries))
		for i, e := range entries {
			chunks[i] = models.KnowledgeChunk{
				ID:       e.ID,
				TenantID: tenantID,
				Category: e.Category,
				Content:  e.Content,
				Metadata: e.Metadata,
				Vector:   vectors[i],
			}
		}
		if err := store.Upsert(ctx, chunks); err != nil {
			return total, fmt.Errorf("upsert %s fixtures: %w", tenantID, err)
		}
		total += len(chunks)
	}
	log.Info().Int("chunks", total).Int("tenants", len(fx.Tenants)).Msg("📚 Knowledge fixtures loaded")
	return total, nil
}
