package prompt

import (
	"context"
	"strings"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// HighlightSource returns short facts about a tenant.
type HighlightSource interface {
	Highlights(ctx context.Context, tenantID string, limit int) ([]string, error)
}

// KnowledgeEnricher fills the knowledge section with tenant highlights.
type KnowledgeEnricher struct {
	source HighlightSource
	limit  int
}

// NewKnowledgeEnricher creates an enricher pulling up to limit highlights.
func NewKnowledgeEnricher(source HighlightSource, limit int) *KnowledgeEnricher {
	if limit <= 0 {
		limit = 5
	}
	return &KnowledgeEnricher{source: source, limit: limit}
}

// Enrich replaces only the knowledge section body.
func (e *KnowledgeEnricher) Enrich(ctx context.Context, in Input, skeleton []models.PromptSection) ([]models.PromptSection, error) {
	highlights, err := e.source.Highlights(ctx, in.Tenant.ID, e.limit)
	if err != nil {
		return nil, err
	}

	var kept []string
	for _, h := range highlights {
		if h = strings.TrimSpace(h); h != "" {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return skeleton, nil
	}

	for i := range skeleton {
		if skeleton[i].Name == SectionKnowledge {
			skeleton[i].Body = bullets(kept)
		}
	}
	return skeleton, nil
}
