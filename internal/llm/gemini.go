package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// GeminiDriver calls Gemini through the Google Gen AI SDK.
type GeminiDriver struct {
	client *genai.Client
	model  string
}

func NewGeminiDriver(ctx context.Context, apiKey, model string) (*GeminiDriver, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiDriver{client: client, model: model}, nil
}

func (d *GeminiDriver) Kind() string { return "gemini" }

var geminiTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

func geminiSchema(p models.ParamSchema) *genai.Schema {
	s := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(p.Properties)),
		Required:   p.Required,
	}
	for name, spec := range p.Properties {
		ps := &genai.Schema{
			Type:        geminiTypes[spec.Type],
			Description: spec.Description,
			Format:      spec.Format,
			Enum:        spec.Enum,
			Minimum:     spec.Minimum,
			Maximum:     spec.Maximum,
		}
		if spec.Type == "array" {
			ps.Items = &genai.Schema{Type: genai.TypeString}
		}
		s.Properties[name] = ps
	}
	return s
}

func geminiContents(msgs []models.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	names := make(map[string]string)
	for _, m := range msgs {
		var parts []*genai.Part
		role := "user"
		switch m.Role {
		case "assistant":
			role = "model"
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}})
			}
		case "tool":
			name := m.Name
			if name == "" {
				name = names[m.ToolCallID]
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID: m.ToolCallID, Name: name, Response: map[string]any{"result": m.Content},
			}})
		default:
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}
	return contents
}

func (d *GeminiDriver) Complete(ctx context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error) {
	model := req.Model
	if model == "" {
		model = d.model
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name: t.Name, Description: t.Description, Parameters: geminiSchema(t.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	start := time.Now()
	out, err := d.client.Models.GenerateContent(ctx, model, geminiContents(req.Messages), config)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	resp := &contracts.ModelResponse{
		Content:   out.Text(),
		Model:     model,
		Provider:  "gemini",
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if u := out.UsageMetadata; u != nil {
		resp.Usage = models.TokenUsage{
			InputTokens:  int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
			TotalTokens:  int64(u.TotalTokenCount),
		}
	}
	for _, fc := range out.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = "call-" + uuid.New().String()
		}
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	return resp, nil
}

func (d *GeminiDriver) HealthCheck(ctx context.Context) error {
	_, err := d.client.Models.Get(ctx, d.model, nil)
	return err
}
