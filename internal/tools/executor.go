// Package tools executes capability-gated tool calls against tenant
// backends. Every call is checked against the turn's allowed set and the
// tool's parameter schema before a handler runs, and every handler runs
// under the tool's own timeout.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/pkg/models"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrNotAllowed       = errors.New("tool not available")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrTimeout          = errors.New("tool timed out")
)

// DefaultTimeout applies to tools whose definition carries none.
const DefaultTimeout = 5 * time.Second

// Handler invokes one tool for a tenant.
type Handler interface {
	Invoke(ctx context.Context, tenant *models.TenantConfig, tool string, args map[string]any) (*models.ToolResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tenant *models.TenantConfig, tool string, args map[string]any) (*models.ToolResult, error)

func (f HandlerFunc) Invoke(ctx context.Context, tenant *models.TenantConfig, tool string, args map[string]any) (*models.ToolResult, error) {
	return f(ctx, tenant, tool, args)
}

// AllowList is the per-turn set of tools the router permitted.
type AllowList interface {
	Allows(name string) bool
}

// Executor binds every registry tool to a handler. The binding is closed:
// it is resolved once at startup and no tool can be added afterwards.
type Executor struct {
	registry *capability.Registry
	handlers map[string]Handler
}

// NewExecutor checks that every registry tool has a handler and that no
// handler is bound to a tool the registry does not define.
func NewExecutor(reg *capability.Registry, handlers map[string]Handler) (*Executor, error) {
	var missing, unknown []string
	for _, t := range reg.Tools() {
		if handlers[t.Name] == nil {
			missing = append(missing, t.Name)
		}
	}
	for name := range handlers {
		if _, ok := reg.Tool(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	if len(missing) > 0 {
		return nil, fmt.Errorf("tools without handler: %v", missing)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("handlers for unknown tools: %v", unknown)
	}

	bound := make(map[string]Handler, len(handlers))
	for k, v := range handlers {
		bound[k] = v
	}
	return &Executor{registry: reg, handlers: bound}, nil
}

// BindAll builds a handler map that sends every registry tool to h,
// with per-tool overrides.
func BindAll(reg *capability.Registry, h Handler, overrides map[string]Handler) map[string]Handler {
	out := make(map[string]Handler, len(reg.Tools()))
	for _, t := range reg.Tools() {
		out[t.Name] = h
	}
	for name, o := range overrides {
		out[name] = o
	}
	return out
}

// Unbound backs tools no backend is configured for. Every call fails
// softly so the agent can apologise instead of the turn erroring.
var Unbound Handler = HandlerFunc(func(_ context.Context, _ *models.TenantConfig, tool string, _ map[string]any) (*models.ToolResult, error) {
	return &models.ToolResult{Tool: tool, Error: "no backend is configured for this action"}, nil
})

// Definition returns the registry definition of a tool.
func (e *Executor) Definition(name string) (models.ToolDefinition, bool) {
	return e.registry.Tool(name)
}

// Check performs the allowed-set and schema checks without executing.
func (e *Executor) Check(allowed AllowList, call models.ToolCall) (models.ToolDefinition, error) {
	def, ok := e.registry.Tool(call.Name)
	if !ok {
		return def, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if allowed == nil || !allowed.Allows(call.Name) {
		return def, fmt.Errorf("%w: %s", ErrNotAllowed, call.Name)
	}
	if err := ValidateArguments(def, call.Arguments); err != nil {
		return def, err
	}
	return def, nil
}

// Execute runs one tool call. The returned result is always populated;
// err classifies failures (ErrNotAllowed, ErrInvalidArguments, ErrTimeout
// or the handler's error).
func (e *Executor) Execute(ctx context.Context, tenant *models.TenantConfig, allowed AllowList, call models.ToolCall) (*models.ToolResult, error) {
	result := &models.ToolResult{CallID: call.ID, Tool: call.Name}

	def, err := e.Check(allowed, call)
	if err != nil {
		result.Error = err.Error()
		metrics.RecordToolCall(call.Name, statusOf(err), 0)
		return result, err
	}

	ctx, span := otel.Tracer("switchboard.tools").Start(ctx, "tool."+call.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenant.ID),
		attribute.String("tool", call.Name),
	)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	out, err := e.invoke(ctx, timeout, tenant, call)
	elapsed := time.Since(start)

	if err != nil {
		result.Error = err.Error()
		result.LatencyMs = elapsed.Milliseconds()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordToolCall(call.Name, statusOf(err), elapsed)
		log.Warn().
			Err(err).
			Str("tenant", tenant.ID).
			Str("tool", call.Name).
			Dur("elapsed", elapsed).
			Msg("Tool call failed")
		return result, err
	}

	out.CallID = call.ID
	out.Tool = call.Name
	out.LatencyMs = elapsed.Milliseconds()
	if !out.Success {
		if out.Error == "" {
			out.Error = "tool reported failure"
		}
		metrics.RecordToolCall(call.Name, "failed", elapsed)
		return out, fmt.Errorf("%s: %s", call.Name, out.Error)
	}
	metrics.RecordToolCall(call.Name, "ok", elapsed)
	log.Debug().
		Str("tenant", tenant.ID).
		Str("tool", call.Name).
		Dur("elapsed", elapsed).
		Msg("Tool call complete")
	return out, nil
}

type invokeResult struct {
	res *models.ToolResult
	err error
}

func (e *Executor) invoke(ctx context.Context, timeout time.Duration, tenant *models.TenantConfig, call models.ToolCall) (*models.ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("tool %s panicked: %v", call.Name, r)}
			}
		}()
		res, err := e.handlers[call.Name].Invoke(ctx, tenant, call.Name, call.Arguments)
		done <- invokeResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, call.Name)
			}
			return nil, r.err
		}
		if r.res == nil {
			return nil, fmt.Errorf("tool %s returned no result", call.Name)
		}
		return r.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, call.Name)
		}
		return nil, ctx.Err()
	}
}

func statusOf(err error) string {
	switch {
	case errors.Is(err, ErrNotAllowed), errors.Is(err, ErrUnknownTool):
		return "not_allowed"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	}
	return "error"
}
