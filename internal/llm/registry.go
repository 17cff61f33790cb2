// Package llm holds the model backend drivers the agent loop reasons with.
package llm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/pkg/contracts"
)

// Settings selects and configures one driver.
type Settings struct {
	Provider  string
	Model     string
	APIKey    string
	Endpoint  string
	MaxTokens int
}

// New builds the configured driver wrapped with tracing and metrics.
func New(ctx context.Context, s Settings) (contracts.ModelDriver, error) {
	var d contracts.ModelDriver
	switch s.Provider {
	case "openai":
		d = NewOpenAIDriver(s.APIKey, s.Model, s.Endpoint)
	case "azure-openai":
		if s.Endpoint == "" {
			return nil, fmt.Errorf("azure-openai requires an endpoint")
		}
		d = NewAzureOpenAIDriver(s.APIKey, s.Model, s.Endpoint)
	case "ollama":
		d = NewOllamaDriver(s.Model, s.Endpoint)
	case "anthropic":
		d = NewAnthropicDriver(s.APIKey, s.Model, s.Endpoint, s.MaxTokens)
	case "gemini":
		g, err := NewGeminiDriver(ctx, s.APIKey, s.Model)
		if err != nil {
			return nil, err
		}
		d = g
	case "echo", "":
		d = NewEchoDriver()
	default:
		return nil, fmt.Errorf("unknown model provider %q", s.Provider)
	}
	return Instrument(d), nil
}

// Instrument wraps a driver so every call is traced and counted.
func Instrument(d contracts.ModelDriver) contracts.ModelDriver {
	if _, ok := d.(*instrumented); ok {
		return d
	}
	return &instrumented{inner: d}
}

type instrumented struct {
	inner contracts.ModelDriver
}

func (i *instrumented) Kind() string { return i.inner.Kind() }

func (i *instrumented) Complete(ctx context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error) {
	ctx, span := otel.Tracer("switchboard").Start(ctx, "model.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("model.provider", i.inner.Kind()),
		attribute.Int("model.messages", len(req.Messages)),
		attribute.Int("model.tools", len(req.Tools)),
	)

	resp, err := i.inner.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordModelRequest(i.inner.Kind(), "error", 0, 0)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("model.input_tokens", resp.Usage.InputTokens),
		attribute.Int64("model.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("model.tool_calls", len(resp.ToolCalls)),
	)
	metrics.RecordModelRequest(i.inner.Kind(), "ok", resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func (i *instrumented) HealthCheck(ctx context.Context) error { return i.inner.HealthCheck(ctx) }
