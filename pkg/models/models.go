package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Channels ─────────────────────────────────────────────────

type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelSMS, ChannelWhatsApp, ChannelVoice:
		return true
	}
	return false
}

// IsVoice reports whether the channel carries telephony turns.
func (c Channel) IsVoice() bool { return c == ChannelVoice }

// ── Inbound ──────────────────────────────────────────────────

// InboundEvent is a single chat message or telephony turn delivered by a
// channel transport. The raw body is what the sender signed.
type InboundEvent struct {
	Channel        Channel   `json:"channel"`
	TenantID       string    `json:"tenant_id"`
	ContactID      string    `json:"contact_id"`
	Content        string    `json:"content"`
	IdempotencyKey string    `json:"idempotency_key"`
	ReceivedAt     time.Time `json:"received_at,omitempty"`
}

// ConversationKey derives the stable conversation identity for the event.
func (e *InboundEvent) ConversationKey() string {
	return ConversationKey(e.TenantID, e.Channel, e.ContactID)
}

// Validate checks the fields every downstream component relies on.
func (e *InboundEvent) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if e.ContactID == "" {
		return fmt.Errorf("contact_id is required")
	}
	if !e.Channel.Valid() {
		return fmt.Errorf("unsupported channel %q", e.Channel)
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	return nil
}

// ConversationKey builds "tenant:channel:contact".
func ConversationKey(tenantID string, ch Channel, contactID string) string {
	return tenantID + ":" + string(ch) + ":" + contactID
}

// ── Conversation ─────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Message is one append-only entry in a Conversation. Sequence is assigned
// by the conversation store and strictly increases within a conversation.
type Message struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	Channel         Channel   `json:"channel"`
	Sequence        int64     `json:"sequence"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// PendingAction is a side-effecting tool call parked until the user
// confirms it in a later turn.
type PendingAction struct {
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments"`
	Summary     string         `json:"summary"`
	Agent       AgentID        `json:"agent"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Expired reports whether the pending action is older than ttl.
func (p *PendingAction) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(p.RequestedAt) > ttl
}

// Conversation is the ordered message log for one tenant, contact and
// channel. Conversations are archived, never deleted.
type Conversation struct {
	Key          string         `json:"key"`
	TenantID     string         `json:"tenant_id"`
	ContactID    string         `json:"contact_id"`
	Channel      Channel        `json:"channel"`
	Messages     []Message      `json:"messages,omitempty"`
	LastSequence int64          `json:"last_sequence"`
	Pending      *PendingAction `json:"pending,omitempty"`
	Archived     bool           `json:"archived"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ── Tenants ──────────────────────────────────────────────────

type Vertical string

const (
	VerticalRestaurant Vertical = "restaurant"
	VerticalDental     Vertical = "dental"
	VerticalSalon      Vertical = "salon"
	VerticalRetail     Vertical = "retail"
	VerticalGeneral    Vertical = "general"
)

// Capability is a feature tag a tenant can enable. The set of valid
// capabilities is owned by the capability registry.
type Capability string

// MaxCriticalInstructions caps tenant-authored instructions in a prompt.
const MaxCriticalInstructions = 10

// Personality shapes how the agent speaks for a tenant.
type Personality struct {
	AgentName string `json:"agent_name" yaml:"agent_name"`
	Tone      string `json:"tone" yaml:"tone"`
	Language  string `json:"language" yaml:"language"`
	Greeting  string `json:"greeting,omitempty" yaml:"greeting,omitempty"`
}

// TenantConfig is everything the orchestration layer needs to know about a
// business. It is owned by an external tenant service.
type TenantConfig struct {
	ID                   string       `json:"id" yaml:"id"`
	Name                 string       `json:"name" yaml:"name"`
	Vertical             Vertical     `json:"vertical" yaml:"vertical"`
	Capabilities         []Capability `json:"capabilities" yaml:"capabilities"`
	Personality          Personality  `json:"personality" yaml:"personality"`
	CriticalInstructions []string     `json:"critical_instructions,omitempty" yaml:"critical_instructions,omitempty"`
	Timezone             string       `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	KnowledgeVersion     string       `json:"knowledge_version,omitempty" yaml:"knowledge_version,omitempty"`

	// Gate settings.
	Secret         string   `json:"-" yaml:"secret"`
	AllowedSources []string `json:"allowed_sources,omitempty" yaml:"allowed_sources,omitempty"`
	RatePerMinute  int      `json:"rate_per_minute,omitempty" yaml:"rate_per_minute,omitempty"`
	Burst          int      `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// HasCapability reports whether c is enabled for the tenant.
func (t *TenantConfig) HasCapability(c Capability) bool {
	for _, have := range t.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CapabilitySet returns the enabled capabilities as a set.
func (t *TenantConfig) CapabilitySet() map[Capability]bool {
	set := make(map[Capability]bool, len(t.Capabilities))
	for _, c := range t.Capabilities {
		set[c] = true
	}
	return set
}

// ── Intents & Agents ─────────────────────────────────────────

type Intent string

const (
	IntentGeneral      Intent = "general"
	IntentGreeting     Intent = "greeting"
	IntentHumanHandoff Intent = "human_handoff"
	IntentConfirm      Intent = "confirm"
	IntentDecline      Intent = "decline"
	IntentReservation  Intent = "reservation"
	IntentAppointment  Intent = "appointment"
	IntentOrder        Intent = "order"
	IntentMenu         Intent = "menu"
	IntentInsurance    Intent = "insurance"
	IntentBusinessInfo Intent = "business_info"
)

// AgentID names a specialist agent.
type AgentID string

const AgentGeneral AgentID = "general"

// ── Tools ────────────────────────────────────────────────────

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Format      string   `json:"format,omitempty" yaml:"format,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
}

// ParamSchema is the object schema a tool's arguments must satisfy.
type ParamSchema struct {
	Properties map[string]ParamSpec `json:"properties" yaml:"properties"`
	Required   []string             `json:"required,omitempty" yaml:"required,omitempty"`
}

// ToolDefinition is an immutable description of a callable tool.
type ToolDefinition struct {
	Name                 string        `json:"name" yaml:"name"`
	Description          string        `json:"description" yaml:"description"`
	Parameters           ParamSchema   `json:"parameters" yaml:"parameters"`
	RequiredCapabilities []Capability  `json:"required_capabilities" yaml:"required_capabilities"`
	RequiresConfirmation bool          `json:"requires_confirmation" yaml:"requires_confirmation"`
	Timeout              time.Duration `json:"timeout" yaml:"timeout"`
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	CallID       string         `json:"call_id,omitempty"`
	Tool         string         `json:"tool"`
	Success      bool           `json:"success"`
	Payload      map[string]any `json:"payload,omitempty"`
	Confirmation string         `json:"confirmation,omitempty"`
	Error        string         `json:"error,omitempty"`
	LatencyMs    int64          `json:"latency_ms"`
}

// ── Knowledge ────────────────────────────────────────────────

// KnowledgeChunk is a tenant-scoped piece of business knowledge.
type KnowledgeChunk struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Category  string            `json:"category,omitempty"`
	Content   string            `json:"content"`
	Vector    []float64         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ScoredChunk is a retrieval hit.
type ScoredChunk struct {
	Chunk KnowledgeChunk `json:"chunk"`
	Score float64        `json:"score"`
}

// ── Prompts ──────────────────────────────────────────────────

// PromptSection is one named block of compiled agent instructions.
type PromptSection struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// CompiledPrompt is the cached result of compiling a tenant's agent prompt.
type CompiledPrompt struct {
	Key              string          `json:"key"`
	TenantID         string          `json:"tenant_id"`
	Agent            AgentID         `json:"agent"`
	Sections         []PromptSection `json:"sections"`
	Instructions     string          `json:"instructions"`
	FirstTurnMessage string          `json:"first_turn_message"`
	AllowedTools     []string        `json:"allowed_tools"`
	CompiledAt       time.Time       `json:"compiled_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// ── Circuit Breaker ──────────────────────────────────────────

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "CLOSED"
	BreakerOpen     BreakerStatus = "OPEN"
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

// BreakerState is the persisted per-tenant circuit breaker record.
type BreakerState struct {
	TenantID            string        `json:"tenant_id"`
	Status              BreakerStatus `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastTransition      time.Time     `json:"last_transition"`
}

// ── Replies ──────────────────────────────────────────────────

type Outcome string

const (
	OutcomeAnswered     Outcome = "answered"
	OutcomeConfirmation Outcome = "confirmation_requested"
	OutcomeUnavailable  Outcome = "unavailable"
	OutcomeFallback     Outcome = "fallback"
	OutcomeEscalated    Outcome = "escalated"
	OutcomeDuplicate    Outcome = "duplicate"
)

// Action is a structured hint attached to a reply, such as a pending
// confirmation or an offer to hand off to a person.
type Action struct {
	Kind string         `json:"kind"`
	Tool string         `json:"tool,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	ActionConfirm      = "confirm"
	ActionOfferHandoff = "offer_handoff"
	ActionHandoff      = "handoff"
)

// FormattingHints tell the channel transport how to deliver the text.
type FormattingHints struct {
	Markdown  bool     `json:"markdown"`
	MaxLength int      `json:"max_length,omitempty"`
	Segments  []string `json:"segments,omitempty"`
	SSML      bool     `json:"ssml,omitempty"`
}

// Reply is the channel-agnostic answer to one inbound event.
type Reply struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	ConversationKey string          `json:"conversation_key"`
	Channel         Channel         `json:"channel"`
	Text            string          `json:"text"`
	Outcome         Outcome         `json:"outcome"`
	Intent          Intent          `json:"intent,omitempty"`
	Agent           AgentID         `json:"agent,omitempty"`
	Action          *Action         `json:"action,omitempty"`
	Hints           FormattingHints `json:"hints"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ── Model backend ────────────────────────────────────────────

// ChatMessage is one entry in the message list sent to a model backend.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// TokenUsage tracks token counts for a model call.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Handoff is a request to bring a person into a conversation.
type Handoff struct {
	TenantID        string    `json:"tenant_id"`
	ConversationKey string    `json:"conversation_key"`
	Channel         Channel   `json:"channel"`
	ContactID       string    `json:"contact_id"`
	Reason          string    `json:"reason"`
	Transcript      []Message `json:"transcript,omitempty"`
	RequestedAt     time.Time `json:"requested_at"`
}
