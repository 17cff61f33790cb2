// Package contracts defines the service interfaces at the edges of the
// Switchboard orchestration engine.
//
// Everything outside the orchestration core (tenant configuration, model
// backends, knowledge storage, conversation persistence, reply delivery and
// human handoff) is reached through one of these interfaces, so a deployment
// can swap the default implementation for its own in the wiring code
// (pkg/server).
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// ErrNotFound is returned by lookups when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ── Tenant Configuration ────────────────────────────────────

// TenantConfigProvider resolves a tenant's orchestration settings.
// Implementations: internal/tenants.StaticProvider (YAML),
// internal/tenants.GormProvider (Postgres).
type TenantConfigProvider interface {
	// GetTenant returns the tenant config or ErrNotFound.
	GetTenant(ctx context.Context, tenantID string) (*models.TenantConfig, error)

	// ListTenants returns every known tenant.
	ListTenants(ctx context.Context) ([]models.TenantConfig, error)
}

// ── Model Backend ───────────────────────────────────────────

// ModelRequest is one reasoning call to a model backend.
type ModelRequest struct {
	Model       string                  `json:"model,omitempty"`
	System      string                  `json:"system"`
	Messages    []models.ChatMessage    `json:"messages"`
	Tools       []models.ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
}

// ModelResponse is the backend's answer: text, tool calls, or both.
type ModelResponse struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Usage     models.TokenUsage `json:"usage"`
	Model     string            `json:"model"`
	Provider  string            `json:"provider"`
	LatencyMs int64             `json:"latency_ms"`
}

// ModelDriver is the interface for LLM provider integrations.
// Ships: OpenAI-compatible (also Ollama), Anthropic, Gemini.
type ModelDriver interface {
	// Kind returns the provider identifier (e.g., "openai", "gemini").
	Kind() string

	// Complete sends one reasoning request.
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Knowledge ───────────────────────────────────────────────

// EmbeddingDriver turns text into vectors.
type EmbeddingDriver interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	HealthCheck(ctx context.Context) error
}

// VectorStoreDriver stores knowledge chunks and answers nearest-neighbor
// queries. Search must never return chunks of a tenant other than tenantID.
type VectorStoreDriver interface {
	Kind() string

	// Upsert inserts or replaces chunks. Used by ingestion and tests.
	Upsert(ctx context.Context, chunks []models.KnowledgeChunk) error

	// Search returns up to limit chunks of tenantID scoring at least
	// threshold, best first. filter matches chunk category and metadata.
	Search(ctx context.Context, tenantID string, vector []float64, threshold float64, limit int, filter map[string]string) ([]models.ScoredChunk, error)

	HealthCheck(ctx context.Context) error
}

// ── Conversations ───────────────────────────────────────────

// ConversationStore persists conversations. Append is idempotent on the
// message idempotency key and assigns strictly increasing sequence numbers.
type ConversationStore interface {
	// Get returns the conversation with all messages, or ErrNotFound.
	Get(ctx context.Context, key string) (*models.Conversation, error)

	// Append adds a message, creating the conversation when needed.
	// A message whose idempotency key was already stored returns
	// the stored message and conversation.ErrDuplicate.
	Append(ctx context.Context, conv models.Conversation, msg models.Message) (models.Message, error)

	// History returns the last limit messages in sequence order.
	History(ctx context.Context, key string, limit int) ([]models.Message, error)

	// SetPending stores or clears (nil) the pending confirmation action.
	SetPending(ctx context.Context, key string, pending *models.PendingAction) error

	// ListIdle returns unarchived conversations not updated since before.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]models.Conversation, error)

	// MarkArchived flags conversations as archived. Nothing is deleted.
	MarkArchived(ctx context.Context, keys []string) error

	Close() error
}

// ReplyCache remembers the reply produced for an idempotency key so that a
// redelivered event gets the same answer without repeating side effects.
type ReplyCache interface {
	Get(ctx context.Context, tenantID, key string) (*models.Reply, bool, error)
	Put(ctx context.Context, tenantID, key string, reply *models.Reply, ttl time.Duration) error
}

// ── Outbound ────────────────────────────────────────────────

// DeliverySink hands a formatted reply to the channel transport.
type DeliverySink interface {
	Deliver(ctx context.Context, reply *models.Reply) error
}

// HandoffService brings a person into a conversation.
type HandoffService interface {
	RequestHandoff(ctx context.Context, h *models.Handoff) error
}

// ArchiveDriver writes idle conversations to durable storage.
type ArchiveDriver interface {
	Kind() string
	ArchiveConversations(ctx context.Context, tenantID string, convs []models.Conversation) (string, error)
	HealthCheck(ctx context.Context) error
}
