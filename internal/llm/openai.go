package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// OpenAIDriver talks to any OpenAI-compatible chat completions endpoint:
// OpenAI, Azure OpenAI and Ollama.
type OpenAIDriver struct {
	kind     string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewOpenAIDriver creates a driver for api.openai.com unless endpoint is set.
func NewOpenAIDriver(apiKey, model, endpoint string) *OpenAIDriver {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIDriver{kind: "openai", endpoint: strings.TrimRight(endpoint, "/"), apiKey: apiKey, model: model, client: defaultClient}
}

// NewAzureOpenAIDriver uses the api-key header instead of a bearer token.
func NewAzureOpenAIDriver(apiKey, model, endpoint string) *OpenAIDriver {
	d := NewOpenAIDriver(apiKey, model, endpoint)
	d.kind = "azure-openai"
	return d
}

// NewOllamaDriver targets Ollama's OpenAI-compatible API.
func NewOllamaDriver(model, endpoint string) *OpenAIDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	return &OpenAIDriver{kind: "ollama", endpoint: strings.TrimRight(endpoint, "/") + "/v1", model: model, client: defaultClient}
}

func (d *OpenAIDriver) Kind() string { return d.kind }

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (d *OpenAIDriver) headers() map[string]string {
	switch {
	case d.apiKey == "":
		return nil
	case d.kind == "azure-openai":
		return map[string]string{"api-key": d.apiKey}
	default:
		return map[string]string{"Authorization": "Bearer " + d.apiKey}
	}
}

// Complete sends one chat completion with native function calling.
func (d *OpenAIDriver) Complete(ctx context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error) {
	if d.kind != "ollama" && d.apiKey == "" {
		return nil, fmt.Errorf("%s: api key not configured", d.kind)
	}
	model := req.Model
	if model == "" {
		model = d.model
	}

	body := openAIRequest{Model: model, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		om := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID: tc.ID, Type: "function",
				Function: openAIFunction{Name: tc.Name, Arguments: string(args)},
			})
		}
		body.Messages = append(body.Messages, om)
	}
	for _, t := range req.Tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = JSONSchema(t.Parameters)
		body.Tools = append(body.Tools, ot)
	}

	start := time.Now()
	var out openAIResponse
	if err := postJSON(ctx, d.client, d.endpoint+"/chat/completions", d.headers(), body, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", d.kind, err)
	}

	resp := &contracts.ModelResponse{
		Model:     model,
		Provider:  d.kind,
		LatencyMs: time.Since(start).Milliseconds(),
		Usage: models.TokenUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
	}
	if out.Model != "" {
		resp.Model = out.Model
	}
	if len(out.Choices) == 0 {
		return resp, nil
	}

	msg := out.Choices[0].Message
	resp.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	if len(resp.ToolCalls) == 0 {
		if calls := ParseToolCalls(msg.Content); len(calls) > 0 {
			resp.ToolCalls = calls
			resp.Content = ""
		}
	}
	return resp, nil
}

// HealthCheck lists models, which validates credentials without spending
// tokens.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	if d.kind == "ollama" {
		return getOK(ctx, d.client, strings.TrimSuffix(d.endpoint, "/v1")+"/api/tags", nil)
	}
	return getOK(ctx, d.client, d.endpoint+"/models", d.headers())
}
