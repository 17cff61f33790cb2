package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/switchboardhq/switchboard/pkg/contracts"
)

// ErrScriptExhausted is returned when a ScriptedDriver runs out of steps.
var ErrScriptExhausted = errors.New("scripted driver: no more responses")

// Step is one scripted model turn: a canned response, an error, or a
// function computing either from the request.
type Step struct {
	Response *contracts.ModelResponse
	Err      error
	Func     func(ctx context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error)
}

// ScriptedDriver replays fixed steps in order. It backs the offline "echo"
// provider and the agent loop tests.
type ScriptedDriver struct {
	kind     string
	mu       sync.Mutex
	steps    []Step
	fallback func(ctx context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error)
	requests []contracts.ModelRequest
}

func NewScriptedDriver(steps ...Step) *ScriptedDriver {
	return &ScriptedDriver{kind: "scripted", steps: steps}
}

// NewEchoDriver answers every request by repeating the last user message.
// It lets the server run end to end without a model provider.
func NewEchoDriver() *ScriptedDriver {
	return &ScriptedDriver{kind: "echo", fallback: func(_ context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error) {
		last := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				last = req.Messages[i].Content
				break
			}
		}
		return &contracts.ModelResponse{Content: "You said: " + last, Provider: "echo", Model: "echo"}, nil
	}}
}

func (d *ScriptedDriver) Kind() string { return d.kind }

func (d *ScriptedDriver) Complete(ctx context.Context, req *contracts.ModelRequest) (*contracts.ModelResponse, error) {
	d.mu.Lock()
	d.requests = append(d.requests, *req)
	if len(d.steps) == 0 {
		fb := d.fallback
		d.mu.Unlock()
		if fb != nil {
			return fb(ctx, req)
		}
		return nil, ErrScriptExhausted
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	d.mu.Unlock()

	switch {
	case step.Func != nil:
		return step.Func(ctx, req)
	case step.Err != nil:
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Requests returns every request received so far.
func (d *ScriptedDriver) Requests() []contracts.ModelRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]contracts.ModelRequest(nil), d.requests...)
}

func (d *ScriptedDriver) HealthCheck(context.Context) error { return nil }
