package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

const anthropicVersion = "2023-06-01"

// AnthropicDriver calls the Anthropic Messages API.
type AnthropicDriver struct {
	endpoint  string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

func NewAnthropicDriver(apiKey, model, endpoint string, maxTokens int) *AnthropicDriver {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicDriver{
		endpoint:  strings.TrimRight(endpoint, "/"),
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		client:    defaultClient,
	}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

type anthropicBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string           `json:"model"`
	Content []anthropicBlock `json:"content"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (d *AnthropicDriver) headers() map[string]string {
	return map[string]string{"x-api-key": d.apiKey, "anthropic-version": anthropicVersion}
}

// toAnthropicMessages maps the chat log onto alternating user/assistant
// turns. Tool results travel as tool_result blocks in a user turn.
func toAnthropicMessages(msgs []models.ChatMessage) []anthropicMessage {
	var out []anthropicMessage
	appendBlock := func(role string, b anthropicBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, b)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: []anthropicBlock{b}})
	}

	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			if m.Content != "" {
				appendBlock("assistant", anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				appendBlock("assistant", anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
			}
		case "tool":
			appendBlock("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		default:
			appendBlock("user", anthropicBlock{Type: "text", Text: m.Content})
		}
	}
	return out
}

func (d *AnthropicDriver) Complete(ctx context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured")
	}
	model := req.Model
	if model == "" {
		model = d.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = d.maxTokens
	}

	body := anthropicRequest{
		Model:       model,
		System:      req.System,
		Messages:    toAnthropicMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name: t.Name, Description: t.Description, InputSchema: JSONSchema(t.Parameters),
		})
	}

	start := time.Now()
	var out anthropicResponse
	if err := postJSON(ctx, d.client, d.endpoint+"/v1/messages", d.headers(), body, &out); err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	resp := &contracts.ModelResponse{
		Model:     model,
		Provider:  "anthropic",
		LatencyMs: time.Since(start).Milliseconds(),
		Usage: models.TokenUsage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := b.Input
			if args == nil {
				args = map[string]any{}
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func (d *AnthropicDriver) HealthCheck(ctx context.Context) error {
	return getOK(ctx, d.client, d.endpoint+"/v1/models", d.headers())
}
