// Package agent runs one specialist turn: reason with the model, call
// gated tools, park side effects behind a confirmation, and decide when to
// hand the conversation to a person.
//
// The loop is an explicit state machine (see Transitions) bounded by an
// iteration budget. It never hands off to another agent itself; a transfer
// is returned as data for the orchestrator to act on.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/internal/guardrails"
	"github.com/switchboardhq/switchboard/internal/knowledge"
	"github.com/switchboardhq/switchboard/internal/prompt"
	"github.com/switchboardhq/switchboard/internal/routing"
	"github.com/switchboardhq/switchboard/internal/tools"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

const (
	DefaultMaxIterations = 5
	DefaultFailureLimit  = 3
	DefaultHistoryLimit  = 20
	DefaultPendingTTL    = 30 * time.Minute

	toolEscalate = "escalate_to_human"
	toolTransfer = "transfer_to_specialist"
)

// ErrSoleToolTimeout fails the turn when the only tool it attempted timed
// out. The orchestrator answers with the fallback reply.
var ErrSoleToolTimeout = errors.New("only attempted tool timed out")

// ToolRunner checks and executes gated tool calls.
type ToolRunner interface {
	Check(allowed tools.AllowList, call models.ToolCall) (models.ToolDefinition, error)
	Execute(ctx context.Context, tenant *models.TenantConfig, allowed tools.AllowList, call models.ToolCall) (*models.ToolResult, error)
}

// Retriever fetches tenant knowledge for a message.
type Retriever interface {
	Retrieve(ctx context.Context, q knowledge.Query) ([]models.ScoredChunk, error)
}

// Turn is everything one specialist run needs.
type Turn struct {
	Tenant          *models.TenantConfig
	ConversationKey string
	Channel         models.Channel
	Intent          models.Intent
	Decision        routing.Decision
	Prompt          *models.CompiledPrompt
	History         []models.Message
	Text            string
	Pending         *models.PendingAction
	// Specialists the model may transfer to. Empty disables transfers.
	Specialists []models.AgentID
}

// Result is the outcome of a specialist run.
type Result struct {
	Text    string
	Outcome models.Outcome
	Action  *models.Action
	State   State
	Path    []State

	// Pending is a newly parked action; ClearPending drops the stored one.
	Pending      *models.PendingAction
	ClearPending bool

	NextAgent        models.AgentID
	EscalationReason string

	ToolResults []models.ToolResult
	Flags       []guardrails.Flag
	Usage       models.TokenUsage
	Iterations  int
}

// Loop runs specialist turns.
type Loop struct {
	model         contracts.ModelDriver
	tools         ToolRunner
	retriever     Retriever
	registry      *capability.Registry
	sanitizer     *guardrails.Sanitizer
	maxIterations int
	failureLimit  int
	historyLimit  int
	pendingTTL    time.Duration
	now           func() time.Time
}

// Option configures a Loop.
type Option func(*Loop)

func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

func WithFailureLimit(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.failureLimit = n
		}
	}
}

func WithPendingTTL(d time.Duration) Option {
	return func(l *Loop) { l.pendingTTL = d }
}

func WithSanitizer(s *guardrails.Sanitizer) Option {
	return func(l *Loop) { l.sanitizer = s }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop wires a loop. retriever may be nil.
func NewLoop(model contracts.ModelDriver, runner ToolRunner, retriever Retriever, reg *capability.Registry, opts ...Option) *Loop {
	l := &Loop{
		model:         model,
		tools:         runner,
		retriever:     retriever,
		registry:      reg,
		sanitizer:     guardrails.New(),
		maxIterations: DefaultMaxIterations,
		failureLimit:  DefaultFailureLimit,
		historyLimit:  DefaultHistoryLimit,
		pendingTTL:    DefaultPendingTTL,
		now:           time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// run is the per-turn working set.
type run struct {
	turn     *Turn
	fsm      *machine
	result   *Result
	system   string
	messages []models.ChatMessage
	failures map[string]int
	tried    map[string]bool
	lastOK   *models.ToolResult
	lastText string
}

func (r *run) finish(text string, outcome models.Outcome) *Result {
	r.result.Text = text
	r.result.Outcome = outcome
	r.result.State = r.fsm.state
	r.result.Path = r.fsm.path
	return r.result
}

// Run executes one turn. It returns an error only when the model backend
// fails or the turn's only tool timed out; every other problem becomes a
// reply.
func (l *Loop) Run(ctx context.Context, turn *Turn) (*Result, error) {
	ctx, span := otel.Tracer("switchboard").Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", turn.Tenant.ID),
		attribute.String("agent", string(turn.Decision.Agent)),
		attribute.String("intent", string(turn.Intent)),
	)

	logger := log.With().Str("tenant", turn.Tenant.ID).Str("conversation", turn.ConversationKey).
		Str("agent", string(turn.Decision.Agent)).Logger()

	r := &run{
		turn:     turn,
		fsm:      newMachine(StateAwaitingReasoning),
		result:   &Result{},
		failures: make(map[string]int),
		tried:    make(map[string]bool),
	}

	clean := l.sanitizer.Sanitize(turn.Text)
	r.result.Flags = clean.Flags
	if clean.Flagged(guardrails.FlagInjection) {
		logger.Warn().Int("stripped", len(clean.Stripped)).Msg("Injection directives stripped from inbound text")
	}

	if turn.Intent == models.IntentHumanHandoff {
		r.result.ClearPending = turn.Pending != nil
		return l.escalate(r, "customer asked for a person", handoffText(turn.Tenant)), nil
	}

	pending := turn.Pending
	if pending != nil && pending.Expired(l.now(), l.pendingTTL) {
		logger.Info().Str("tool", pending.Tool).Msg("Pending action expired")
		r.result.ClearPending = true
		pending = nil
	}
	if pending != nil {
		switch turn.Intent {
		case models.IntentConfirm:
			return l.confirm(ctx, r, pending)
		case models.IntentDecline:
			r.result.ClearPending = true
			r.fsm.fire(EventAnswer)
			return r.finish(declineText(), models.OutcomeAnswered), nil
		default:
			r.result.ClearPending = true
		}
	}

	if clean.Empty() {
		r.fsm.fire(EventAnswer)
		return r.finish(redirectText(turn.Tenant), models.OutcomeAnswered), nil
	}

	if turn.Decision.Fallback && len(turn.Decision.Missing) > 0 {
		return l.unavailable(r, turn.Decision.Missing, EventAnswer), nil
	}

	r.system = l.systemPrompt(ctx, turn, clean.Text)
	r.messages = append(l.historyMessages(turn.History), models.ChatMessage{Role: "user", Content: clean.Text})
	return l.reason(ctx, r)
}

// confirm executes a parked action after the customer agreed to it.
func (l *Loop) confirm(ctx context.Context, r *run, pending *models.PendingAction) (*Result, error) {
	turn := r.turn
	r.result.ClearPending = true
	r.fsm = newMachine(StateToolCallRequested)

	call := models.ToolCall{ID: "confirmed_" + pending.Tool, Name: pending.Tool, Arguments: pending.Arguments}
	def, err := l.tools.Check(turn.Decision, call)
	if err != nil {
		if errors.Is(err, tools.ErrNotAllowed) || errors.Is(err, tools.ErrUnknownTool) {
			return l.unavailable(r, capability.MissingCapabilities(turn.Tenant.CapabilitySet(), def), EventUnavailable), nil
		}
		r.fsm.fire(EventUnavailable)
		return r.finish("Sorry, some details of that request are no longer valid. Could you tell me again what you'd like to book?", models.OutcomeAnswered), nil
	}

	res, err := l.execute(ctx, r, call)
	r.fsm.fire(EventToolDone)
	if err != nil {
		if r.failures[call.Name] >= l.failureLimit {
			return l.escalate(r, "confirmed action kept failing", troubleHandoffText(turn.Tenant)), nil
		}
		r.fsm.fire(EventObserve)
		r.fsm.fire(EventAnswer)
		r.result.Action = &models.Action{Kind: models.ActionOfferHandoff, Tool: call.Name}
		return r.finish(fmt.Sprintf("Sorry, I couldn't complete the %s just now. Would you like me to try again later or connect you with the team?", humanize(def.Name)), models.OutcomeAnswered), nil
	}
	r.fsm.fire(EventObserve)

	r.system = ""
	if turn.Prompt != nil {
		r.system = turn.Prompt.Instructions
	}
	r.messages = append(l.historyMessages(turn.History),
		models.ChatMessage{Role: "user", Content: turn.Text},
		models.ChatMessage{Role: "assistant", ToolCalls: []models.ToolCall{call}},
		toolMessage(call, res, nil),
	)

	out, err := l.reason(ctx, r)
	if err != nil {
		// The side effect happened; answer deterministically rather than
		// failing the turn.
		log.Warn().Err(err).Str("tenant", turn.Tenant.ID).Msg("Model failed after confirmed action")
		r.fsm.fire(EventAnswer)
		return r.finish(withConfirmation("", res.Confirmation), models.OutcomeAnswered), nil
	}
	if out.Outcome == models.OutcomeAnswered {
		out.Text = withConfirmation(out.Text, res.Confirmation)
	}
	return out, nil
}

// reason is the AWAITING_REASONING ↔ tool loop.
func (l *Loop) reason(ctx context.Context, r *run) (*Result, error) {
	turn := r.turn
	toolDefs := append(append([]models.ToolDefinition(nil), turn.Decision.Tools...), l.builtinTools(turn)...)

	for r.result.Iterations < l.maxIterations {
		r.result.Iterations++
		resp, err := l.model.Complete(ctx, &contracts.ModelRequest{
			System:   r.system,
			Messages: r.messages,
			Tools:    toolDefs,
		})
		if err != nil {
			return nil, fmt.Errorf("model backend: %w", err)
		}
		addUsage(&r.result.Usage, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			r.fsm.fire(EventAnswer)
			text := strings.TrimSpace(resp.Content)
			if guardrails.LeaksInstructions(text, guardedInstructions(turn.Prompt)) {
				log.Warn().Str("tenant", turn.Tenant.ID).Msg("Reply echoed instructions, replaced")
				text = redirectText(turn.Tenant)
			}
			if text == "" {
				text = "Sorry, I didn't catch that. Could you say it another way?"
			}
			return r.finish(text, models.OutcomeAnswered), nil
		}

		if strings.TrimSpace(resp.Content) != "" {
			r.lastText = strings.TrimSpace(resp.Content)
		}
		r.fsm.fire(EventToolCall)
		r.messages = append(r.messages, models.ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		for i, call := range resp.ToolCalls {
			if i > 0 {
				r.fsm.fire(EventNextCall)
			}
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", r.result.Iterations, i)
			}
			done, err := l.handleCall(ctx, r, call)
			if err != nil {
				return nil, err
			}
			if done != nil {
				return done, nil
			}
		}
		r.fsm.fire(EventObserve)
	}

	log.Warn().Str("tenant", turn.Tenant.ID).Int("iterations", l.maxIterations).Msg("Agent loop hit iteration budget")
	if r.lastOK == nil && r.lastText == "" {
		return l.escalate(r, "iteration budget exhausted", troubleHandoffText(turn.Tenant)), nil
	}
	r.fsm.fire(EventBudgetExhausted)
	text := r.lastText
	if text == "" {
		text = gathered(r.lastOK)
	}
	return r.finish(text, models.OutcomeAnswered), nil
}

// handleCall processes one tool call in TOOL_CALL_REQUESTED. A non-nil
// result ends the turn; otherwise the state is TOOL_EXECUTED and an
// observation was appended.
func (l *Loop) handleCall(ctx context.Context, r *run, call models.ToolCall) (*Result, error) {
	turn := r.turn

	switch call.Name {
	case toolEscalate:
		reason, _ := call.Arguments["reason"].(string)
		if reason == "" {
			reason = "agent requested a person"
		}
		return l.escalate(r, reason, handoffText(turn.Tenant)), nil
	case toolTransfer:
		target, _ := call.Arguments["agent"].(string)
		if contains(turn.Specialists, models.AgentID(target)) && models.AgentID(target) != turn.Decision.Agent {
			r.fsm.fire(EventTransfer)
			r.result.NextAgent = models.AgentID(target)
			return r.finish("", models.OutcomeAnswered), nil
		}
		r.fsm.fire(EventToolDone)
		r.messages = append(r.messages, toolMessage(call, nil, fmt.Errorf("cannot transfer to %q", target)))
		return nil, nil
	}

	def, err := l.tools.Check(turn.Decision, call)
	switch {
	case errors.Is(err, tools.ErrNotAllowed), errors.Is(err, tools.ErrUnknownTool):
		log.Warn().Str("tenant", turn.Tenant.ID).Str("tool", call.Name).Msg("Model requested a tool outside the allowed set")
		return l.unavailable(r, capability.MissingCapabilities(turn.Tenant.CapabilitySet(), def), EventUnavailable), nil
	case err != nil:
		r.fsm.fire(EventToolDone)
		r.messages = append(r.messages, toolMessage(call, nil, err))
		return nil, nil
	}

	if def.RequiresConfirmation {
		r.fsm.fire(EventNeedsConfirm)
		summary := summarize(call)
		r.result.Pending = &models.PendingAction{
			Tool:        call.Name,
			Arguments:   call.Arguments,
			Summary:     summary,
			Agent:       turn.Decision.Agent,
			RequestedAt: l.now(),
		}
		r.result.ClearPending = false
		r.result.Action = &models.Action{Kind: models.ActionConfirm, Tool: call.Name, Data: call.Arguments}
		return r.finish(confirmPrompt(summary), models.OutcomeConfirmation), nil
	}

	r.tried[call.Name] = true
	res, err := l.execute(ctx, r, call)
	if errors.Is(err, tools.ErrTimeout) && len(r.tried) == 1 && r.lastOK == nil {
		return nil, fmt.Errorf("%w: %s", ErrSoleToolTimeout, call.Name)
	}
	r.fsm.fire(EventToolDone)
	r.messages = append(r.messages, toolMessage(call, res, err))
	if err != nil && r.failures[call.Name] >= l.failureLimit {
		return l.escalate(r, fmt.Sprintf("%s failed %d times", call.Name, r.failures[call.Name]), troubleHandoffText(turn.Tenant)), nil
	}
	return nil, nil
}

// execute runs a checked call with one local retry and tracks consecutive
// failures per tool.
func (l *Loop) execute(ctx context.Context, r *run, call models.ToolCall) (*models.ToolResult, error) {
	res, err := l.tools.Execute(ctx, r.turn.Tenant, r.turn.Decision, call)
	if err != nil && retryable(err) && ctx.Err() == nil {
		log.Debug().Err(err).Str("tool", call.Name).Msg("Retrying tool once")
		res, err = l.tools.Execute(ctx, r.turn.Tenant, r.turn.Decision, call)
	}
	if res != nil {
		r.result.ToolResults = append(r.result.ToolResults, *res)
	}
	if err != nil {
		r.failures[call.Name]++
		return res, err
	}
	r.failures[call.Name] = 0
	r.lastOK = res
	return res, nil
}

func retryable(err error) bool {
	return !errors.Is(err, tools.ErrNotAllowed) &&
		!errors.Is(err, tools.ErrUnknownTool) &&
		!errors.Is(err, tools.ErrInvalidArguments)
}

func (l *Loop) escalate(r *run, reason, text string) *Result {
	r.fsm.fire(EventEscalate)
	r.result.EscalationReason = reason
	r.result.Action = &models.Action{Kind: models.ActionHandoff, Data: map[string]any{"reason": reason}}
	return r.finish(text, models.OutcomeEscalated)
}

// unavailable answers deterministically that a capability is missing and
// offers a person.
func (l *Loop) unavailable(r *run, missing []models.Capability, ev Event) *Result {
	r.fsm.fire(ev)
	descs := make([]string, 0, len(missing))
	names := make([]string, 0, len(missing))
	for _, c := range missing {
		descs = append(descs, l.registry.Describe(c))
		names = append(names, string(c))
	}
	sort.Strings(descs)
	r.result.Action = &models.Action{
		Kind: models.ActionOfferHandoff,
		Data: map[string]any{"missing_capabilities": names},
	}
	return r.finish(unavailableText(r.turn.Tenant, strings.Join(descs, " or ")), models.OutcomeUnavailable)
}

func (l *Loop) systemPrompt(ctx context.Context, turn *Turn, text string) string {
	var sb strings.Builder
	if turn.Prompt != nil {
		sb.WriteString(turn.Prompt.Instructions)
	}
	sb.WriteString("\n\n## Retrieved context\n")

	var chunks []models.ScoredChunk
	if l.retriever != nil {
		var err error
		chunks, err = l.retriever.Retrieve(ctx, knowledge.Query{TenantID: turn.Tenant.ID, Text: text})
		if err != nil {
			log.Warn().Err(err).Str("tenant", turn.Tenant.ID).Msg("Retrieval failed, continuing without context")
			chunks = nil
		}
	}
	if len(chunks) == 0 {
		sb.WriteString(noContextNote)
		return sb.String()
	}
	for i, c := range chunks {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(c.Chunk.Content)
	}
	return sb.String()
}

func (l *Loop) historyMessages(history []models.Message) []models.ChatMessage {
	if len(history) > l.historyLimit {
		history = history[len(history)-l.historyLimit:]
	}
	out := make([]models.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			out = append(out, models.ChatMessage{Role: "user", Content: m.Content})
		case models.RoleAgent:
			out = append(out, models.ChatMessage{Role: "assistant", Content: m.Content})
		}
	}
	return out
}

func (l *Loop) builtinTools(turn *Turn) []models.ToolDefinition {
	defs := []models.ToolDefinition{{
		Name:        toolEscalate,
		Description: "Hand the conversation to a member of the team when you cannot help or the customer is upset.",
		Parameters: models.ParamSchema{
			Properties: map[string]models.ParamSpec{"reason": {Type: "string", Description: "Why a person is needed"}},
		},
	}}
	var targets []string
	for _, a := range turn.Specialists {
		if a != turn.Decision.Agent {
			targets = append(targets, string(a))
		}
	}
	if len(targets) > 0 {
		sort.Strings(targets)
		defs = append(defs, models.ToolDefinition{
			Name:        toolTransfer,
			Description: "Pass the conversation to a better-suited specialist.",
			Parameters: models.ParamSchema{
				Properties: map[string]models.ParamSpec{"agent": {Type: "string", Enum: targets}},
				Required:   []string{"agent"},
			},
		})
	}
	return defs
}

// guardedInstructions is the part of the prompt a reply must never echo.
// Knowledge highlights are meant to be quoted.
func guardedInstructions(p *models.CompiledPrompt) string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	for _, s := range p.Sections {
		if s.Name == prompt.SectionKnowledge {
			continue
		}
		sb.WriteString(s.Body)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func toolMessage(call models.ToolCall, res *models.ToolResult, err error) models.ChatMessage {
	obs := map[string]any{"success": err == nil}
	if res != nil {
		if len(res.Payload) > 0 {
			obs["payload"] = res.Payload
		}
		if res.Confirmation != "" {
			obs["confirmation"] = res.Confirmation
		}
	}
	if err != nil {
		obs["error"] = err.Error()
	}
	body, _ := json.Marshal(obs)
	return models.ChatMessage{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: string(body)}
}

func addUsage(total *models.TokenUsage, u models.TokenUsage) {
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
}

func contains(list []models.AgentID, id models.AgentID) bool {
	for _, a := range list {
		if a == id {
			return true
		}
	}
	return false
}
