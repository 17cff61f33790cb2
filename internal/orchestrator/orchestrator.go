// Package orchestrator composes one conversation turn:
//
//	Security Gate → per-conversation queue → Circuit Breaker
//	  → Intent Supervisor → Router → Specialist Agent Loop → Formatter
//
// Every failure below the gate ends in a reply. Rejections are the only
// path that produces none.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/switchboardhq/switchboard/internal/agent"
	"github.com/switchboardhq/switchboard/internal/breaker"
	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/formatter"
	"github.com/switchboardhq/switchboard/internal/guardrails"
	"github.com/switchboardhq/switchboard/internal/intent"
	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/internal/prompt"
	"github.com/switchboardhq/switchboard/internal/queue"
	"github.com/switchboardhq/switchboard/internal/routing"
	"github.com/switchboardhq/switchboard/internal/security"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

const (
	DefaultChatDeadline  = 8 * time.Second
	DefaultVoiceDeadline = 2500 * time.Millisecond
	DefaultMaxTransfers  = 1
	notifyTimeout        = 30 * time.Second
)

// Config tunes turn handling.
type Config struct {
	ChatDeadline  time.Duration
	VoiceDeadline time.Duration
	ReplayTTL     time.Duration
	HistoryLimit  int
	MaxTransfers  int
}

func (c *Config) defaults() {
	if c.ChatDeadline <= 0 {
		c.ChatDeadline = DefaultChatDeadline
	}
	if c.VoiceDeadline <= 0 {
		c.VoiceDeadline = DefaultVoiceDeadline
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = agent.DefaultHistoryLimit
	}
	if c.MaxTransfers < 0 {
		c.MaxTransfers = 0
	} else if c.MaxTransfers == 0 {
		c.MaxTransfers = DefaultMaxTransfers
	}
}

// Deps are the collaborators of a turn. Delivery and Handoff may be nil.
type Deps struct {
	Gate          *security.Gate
	Breaker       *breaker.Breaker
	Intents       *intent.Supervisor
	Router        *routing.Router
	Registry      *capability.Registry
	Prompts       *prompt.Cache
	Loop          *agent.Loop
	Conversations contracts.ConversationStore
	Replies       contracts.ReplyCache
	Queue         *queue.Queue
	Formatter     *formatter.Formatter
	Delivery      contracts.DeliverySink
	Handoff       contracts.HandoffService
}

// Orchestrator runs turns.
type Orchestrator struct {
	Deps
	cfg Config
	now func() time.Time
	bg  sync.WaitGroup
}

// New validates the dependencies and applies config defaults.
func New(d Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case d.Breaker == nil:
		return nil, errors.New("orchestrator: breaker is required")
	case d.Router == nil || d.Registry == nil:
		return nil, errors.New("orchestrator: router and registry are required")
	case d.Prompts == nil || d.Loop == nil:
		return nil, errors.New("orchestrator: prompt cache and agent loop are required")
	case d.Conversations == nil || d.Replies == nil:
		return nil, errors.New("orchestrator: conversation store and reply cache are required")
	}
	if d.Intents == nil {
		d.Intents = intent.New(nil)
	}
	if d.Queue == nil {
		d.Queue = queue.New(queue.DefaultWorkers)
	}
	if d.Formatter == nil {
		d.Formatter = formatter.New()
	}
	cfg.defaults()
	return &Orchestrator{Deps: d, cfg: cfg, now: time.Now}, nil
}

// Handle admits a raw delivery through the gate and processes it. A gate
// rejection is returned as an error wrapping security.ErrRejected.
func (o *Orchestrator) Handle(ctx context.Context, req security.Request) (*models.Reply, error) {
	if o.Gate == nil {
		return nil, errors.New("orchestrator: no security gate configured")
	}
	ev, tenant, err := o.Gate.Admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Process(ctx, ev, tenant)
}

// Process runs an admitted event. Turns of one conversation run in arrival
// order. The returned error is non-nil only when the caller's context ended
// before the turn could start.
func (o *Orchestrator) Process(ctx context.Context, ev *models.InboundEvent, tenant *models.TenantConfig) (*models.Reply, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = o.now().UTC()
	}
	var reply *models.Reply
	err := o.Queue.Do(ctx, ev.ConversationKey(), func(qctx context.Context) error {
		reply = o.turn(qctx, ev, tenant)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("turn for %s not started: %w", ev.ConversationKey(), err)
	}
	return reply, nil
}

// turnState is what the breaker-wrapped section hands back. decision and
// result are only read after the section returned.
type turnState struct {
	intent   models.Intent
	decision routing.Decision
	result   *agent.Result
}

func (o *Orchestrator) turn(ctx context.Context, ev *models.InboundEvent, tenant *models.TenantConfig) (reply *models.Reply) {
	// A started turn is bounded by its own deadline, not by the caller.
	// A client that disconnects must not count against the tenant's breaker.
	ctx = context.WithoutCancel(ctx)
	start := o.now()
	ctx, span := otel.Tracer("switchboard").Start(ctx, "orchestrator.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenant.ID),
		attribute.String("channel", string(ev.Channel)),
	)
	logger := log.With().Str("tenant", tenant.ID).Str("conversation", ev.ConversationKey()).
		Str("channel", string(ev.Channel)).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Turn panicked, serving fallback")
			span.SetStatus(codes.Error, "panic")
			reply = o.fallback(ev, tenant, "")
			o.finish(ctx, ev, tenant, reply, start)
		}
	}()

	if cached, ok, err := o.Replies.Get(ctx, tenant.ID, ev.IdempotencyKey); err != nil {
		logger.Warn().Err(err).Msg("Reply cache unavailable")
	} else if ok {
		logger.Info().Str("idempotency_key", ev.IdempotencyKey).Msg("Redelivered event, replaying stored reply")
		metrics.RecordTurn(string(ev.Channel), "replayed", o.now().Sub(start))
		return cached
	}

	conv := conversation.FromEvent(ev)
	stored, err := o.Conversations.Append(ctx, conv, models.Message{
		Role:           models.RoleUser,
		Content:        ev.Content,
		Channel:        ev.Channel,
		IdempotencyKey: ev.IdempotencyKey,
		CreatedAt:      ev.ReceivedAt,
	})
	switch {
	case errors.Is(err, conversation.ErrDuplicate):
		reply = o.duplicate(ctx, ev, tenant, stored)
		metrics.RecordTurn(string(ev.Channel), string(reply.Outcome), o.now().Sub(start))
		return reply
	case err != nil:
		logger.Error().Err(err).Msg("Conversation store append failed")
		reply = o.fallback(ev, tenant, "")
		o.finish(ctx, ev, tenant, reply, start)
		return reply
	}

	state := turnState{intent: o.Intents.Classify(ev.Content)}
	deadline := o.cfg.ChatDeadline
	if ev.Channel.IsVoice() {
		deadline = o.cfg.VoiceDeadline
	}
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	err = o.Breaker.Do(tctx, tenant.ID, func(bctx context.Context) error {
		return o.run(bctx, ev, tenant, stored, &state)
	})
	if err != nil {
		le := logger.Warn()
		if errors.Is(err, breaker.ErrOpen) {
			le = logger.Info()
		}
		le.Err(err).Str("intent", string(state.intent)).Msg("Turn isolated, serving fallback")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reply = o.fallback(ev, tenant, state.intent)
		o.finish(ctx, ev, tenant, reply, start)
		return reply
	}

	res := state.result
	o.persistPending(ctx, ev, res)

	reply = o.newReply(ev, tenant)
	reply.Text = res.Text
	reply.Outcome = res.Outcome
	reply.Intent = state.intent
	reply.Agent = state.decision.Agent
	reply.Action = res.Action

	if res.Outcome == models.OutcomeEscalated {
		o.handoff(ctx, ev, tenant, res.EscalationReason)
	}
	if len(res.Flags) > 0 {
		logger.Info().Interface("flags", res.Flags).Msg("Inbound text flagged by guardrails")
	}
	logger.Info().
		Str("intent", string(state.intent)).
		Str("agent", string(state.decision.Agent)).
		Str("outcome", string(res.Outcome)).
		Int("iterations", res.Iterations).
		Int("tool_calls", len(res.ToolResults)).
		Msg("Turn complete")

	o.finish(ctx, ev, tenant, reply, start)
	return reply
}

// run is the breaker-wrapped part of a turn: route, compile the prompt and
// run the specialist, following at most MaxTransfers agent transfers.
func (o *Orchestrator) run(ctx context.Context, ev *models.InboundEvent, tenant *models.TenantConfig, stored models.Message, state *turnState) error {
	key := ev.ConversationKey()

	var pending *models.PendingAction
	if conv, err := o.Conversations.Get(ctx, key); err == nil {
		pending = conv.Pending
	} else {
		return fmt.Errorf("load conversation: %w", err)
	}
	history, err := o.Conversations.History(ctx, key, o.cfg.HistoryLimit+1)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history = before(history, stored.Sequence)

	decision, err := o.decide(tenant, state.intent, pending)
	if err != nil {
		return err
	}

	specialists := o.specialists()
	clearPending := false
	for hop := 0; ; hop++ {
		if hop >= o.cfg.MaxTransfers {
			specialists = nil
		}
		compiled, err := o.Prompts.Get(ctx, o.promptInput(tenant, decision))
		if err != nil {
			return fmt.Errorf("compile prompt: %w", err)
		}

		res, err := o.Loop.Run(ctx, &agent.Turn{
			Tenant:          tenant,
			ConversationKey: key,
			Channel:         ev.Channel,
			Intent:          state.intent,
			Decision:        decision,
			Prompt:          compiled,
			History:         history,
			Text:            ev.Content,
			Pending:         pending,
			Specialists:     specialists,
		})
		if err != nil {
			return err
		}
		clearPending = clearPending || res.ClearPending
		if res.ClearPending {
			pending = nil
		}

		if res.NextAgent == "" {
			if res.Pending == nil {
				res.ClearPending = clearPending
			}
			state.decision = decision
			state.result = res
			return nil
		}

		log.Info().Str("tenant", tenant.ID).Str("from", string(decision.Agent)).
			Str("to", string(res.NextAgent)).Msg("🔀 Agent transfer")
		next, err := o.Router.RouteTo(tenant, res.NextAgent)
		if err != nil {
			return fmt.Errorf("transfer to %s: %w", res.NextAgent, err)
		}
		decision = next
	}
}

// decide routes the turn. A confirmation or refusal of a parked action
// goes back to the agent that parked it.
func (o *Orchestrator) decide(tenant *models.TenantConfig, in models.Intent, pending *models.PendingAction) (routing.Decision, error) {
	if pending != nil && pending.Agent != "" && (in == models.IntentConfirm || in == models.IntentDecline) {
		if d, err := o.Router.RouteTo(tenant, pending.Agent); err == nil {
			return d, nil
		}
	}
	d, err := o.Router.Route(tenant, in)
	if err != nil {
		return d, fmt.Errorf("route: %w", err)
	}
	return d, nil
}

func (o *Orchestrator) promptInput(tenant *models.TenantConfig, d routing.Decision) prompt.Input {
	brief := ""
	if a, ok := o.Router.Agent(d.Agent); ok {
		brief = a.Description
	}
	unavailable := make([]string, 0, len(d.Missing))
	for _, c := range d.Missing {
		unavailable = append(unavailable, o.Registry.Describe(c))
	}
	return prompt.Input{
		Tenant:          *tenant,
		Agent:           d.Agent,
		AgentBrief:      brief,
		Tools:           d.Tools,
		Unavailable:     unavailable,
		RegistryVersion: o.Registry.Version(),
	}
}

func (o *Orchestrator) specialists() []models.AgentID {
	if o.cfg.MaxTransfers == 0 {
		return nil
	}
	agents := o.Router.Agents()
	ids := make([]models.AgentID, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

func (o *Orchestrator) persistPending(ctx context.Context, ev *models.InboundEvent, res *agent.Result) {
	var err error
	switch {
	case res.Pending != nil:
		err = o.Conversations.SetPending(ctx, ev.ConversationKey(), res.Pending)
	case res.ClearPending:
		err = o.Conversations.SetPending(ctx, ev.ConversationKey(), nil)
	}
	if err != nil {
		log.Error().Err(err).Str("conversation", ev.ConversationKey()).Msg("Failed to store pending action")
	}
}

// duplicate answers an event whose message is already in the log but whose
// reply is no longer cached.
func (o *Orchestrator) duplicate(ctx context.Context, ev *models.InboundEvent, tenant *models.TenantConfig, stored models.Message) *models.Reply {
	reply := o.newReply(ev, tenant)
	reply.Outcome = models.OutcomeDuplicate

	history, err := o.Conversations.History(ctx, ev.ConversationKey(), 0)
	if err != nil {
		log.Warn().Err(err).Str("conversation", ev.ConversationKey()).Msg("History unavailable for duplicate")
	}
	for _, m := range history {
		if m.Sequence > stored.Sequence && m.Role == models.RoleAgent {
			reply.Text = m.Content
			break
		}
	}
	o.Formatter.Apply(reply)
	log.Info().Str("conversation", ev.ConversationKey()).Str("idempotency_key", ev.IdempotencyKey).
		Msg("Duplicate event dropped")
	return reply
}

func (o *Orchestrator) fallback(ev *models.InboundEvent, tenant *models.TenantConfig, in models.Intent) *models.Reply {
	reply := o.newReply(ev, tenant)
	reply.Text = breaker.FallbackText(tenant.Name)
	reply.Outcome = models.OutcomeFallback
	reply.Intent = in
	reply.Action = &models.Action{Kind: models.ActionOfferHandoff}
	return reply
}

func (o *Orchestrator) newReply(ev *models.InboundEvent, tenant *models.TenantConfig) *models.Reply {
	return &models.Reply{
		ID:              uuid.NewString(),
		TenantID:        tenant.ID,
		ConversationKey: ev.ConversationKey(),
		Channel:         ev.Channel,
		CreatedAt:       o.now().UTC(),
	}
}

// finish records the reply in the conversation, caches it for redelivery,
// shapes it for the channel and hands it to the delivery sink.
func (o *Orchestrator) finish(ctx context.Context, ev *models.InboundEvent, tenant *models.TenantConfig, reply *models.Reply, start time.Time) {
	// Persist even when the caller has gone away.
	pctx := context.WithoutCancel(ctx)

	if reply.Text != "" {
		_, err := o.Conversations.Append(pctx, conversation.FromEvent(ev), models.Message{
			Role:           models.RoleAgent,
			Content:        reply.Text,
			Channel:        ev.Channel,
			IdempotencyKey: ev.IdempotencyKey + "#reply",
		})
		if err != nil && !errors.Is(err, conversation.ErrDuplicate) {
			log.Error().Err(err).Str("conversation", ev.ConversationKey()).Msg("Failed to store agent reply")
		}
	}

	o.Formatter.Apply(reply)

	if err := o.Replies.Put(pctx, tenant.ID, ev.IdempotencyKey, reply, o.cfg.ReplayTTL); err != nil {
		log.Warn().Err(err).Str("tenant", tenant.ID).Msg("Failed to cache reply")
	}
	metrics.RecordTurn(string(ev.Channel), string(reply.Outcome), o.now().Sub(start))

	if o.Delivery != nil {
		r := *reply
		o.background(func(bctx context.Context) {
			if err := o.Delivery.Deliver(bctx, &r); err != nil {
				log.Error().Err(err).Str("conversation", r.ConversationKey).Msg("Reply delivery failed")
			}
		})
	}
}

func (o *Orchestrator) handoff(ctx context.Context, ev *models.InboundEvent, tenant *models.TenantConfig, reason string) {
	if o.Handoff == nil {
		return
	}
	transcript, err := o.Conversations.History(ctx, ev.ConversationKey(), o.cfg.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Str("conversation", ev.ConversationKey()).Msg("Handoff without transcript")
	}
	for i := range transcript {
		transcript[i].Content = guardrails.RedactPII(transcript[i].Content)
	}
	h := &models.Handoff{
		TenantID:        tenant.ID,
		ConversationKey: ev.ConversationKey(),
		Channel:         ev.Channel,
		ContactID:       ev.ContactID,
		Reason:          reason,
		Transcript:      transcript,
		RequestedAt:     o.now().UTC(),
	}
	o.background(func(bctx context.Context) {
		if err := o.Handoff.RequestHandoff(bctx, h); err != nil {
			log.Error().Err(err).Str("conversation", h.ConversationKey).Msg("Human handoff request failed")
		}
	})
}

func (o *Orchestrator) background(fn func(ctx context.Context)) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Close waits for in-flight deliveries and handoffs.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func before(history []models.Message, seq int64) []models.Message {
	out := history[:0:0]
	for _, m := range history {
		if m.Sequence < seq {
			out = append(out, m)
		}
	}
	return out
}
