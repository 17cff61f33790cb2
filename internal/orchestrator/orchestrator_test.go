package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/switchboardhq/switchboard/internal/agent"
	"github.com/switchboardhq/switchboard/internal/breaker"
	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/idempotency"
	"github.com/switchboardhq/switchboard/internal/llm"
	"github.com/switchboardhq/switchboard/internal/prompt"
	"github.com/switchboardhq/switchboard/internal/queue"
	"github.com/switchboardhq/switchboard/internal/routing"
	"github.com/switchboardhq/switchboard/internal/security"
	"github.com/switchboardhq/switchboard/internal/tools"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type tenantMap map[string]*models.TenantConfig

func (m tenantMap) GetTenant(_ context.Context, id string) (*models.TenantConfig, error) {
	t, ok := m[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return t, nil
}

func (m tenantMap) ListTenants(context.Context) ([]models.TenantConfig, error) {
	out := make([]models.TenantConfig, 0, len(m))
	for _, t := range m {
		out = append(out, *t)
	}
	return out, nil
}

type sink struct {
	mu       sync.Mutex
	replies  []models.Reply
	handoffs []models.Handoff
}

func (s *sink) Deliver(_ context.Context, r *models.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, *r)
	return nil
}

func (s *sink) RequestHandoff(_ context.Context, h *models.Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs = append(s.handoffs, *h)
	return nil
}

type harness struct {
	orch    *Orchestrator
	model   *llm.ScriptedDriver
	convs   *conversation.MemoryStore
	sink    *sink
	calls   map[string]*atomic.Int32
	tenants tenantMap
}

func newHarness(t *testing.T, model *llm.ScriptedDriver, cfg Config, opts ...breaker.Option) *harness {
	t.Helper()
	reg := capability.MustDefault()
	router, err := routing.New(reg, nil)
	require.NoError(t, err)

	h := &harness{
		model:   model,
		convs:   conversation.NewMemoryStore(),
		sink:    &sink{},
		calls:   map[string]*atomic.Int32{},
		tenants: tenantMap{"bistro": bistro(), "smiles": dental()},
	}
	handlers := map[string]tools.Handler{}
	for _, def := range reg.Tools() {
		name := def.Name
		h.calls[name] = &atomic.Int32{}
		handlers[name] = tools.HandlerFunc(func(context.Context, *models.TenantConfig, string, map[string]any) (*models.ToolResult, error) {
			h.calls[name].Add(1)
			switch name {
			case "check_availability":
				return &models.ToolResult{Success: true, Payload: map[string]any{"available": true}}, nil
			case "create_reservation":
				return &models.ToolResult{Success: true, Confirmation: "BV-1042"}, nil
			}
			return &models.ToolResult{Success: true, Payload: map[string]any{"ok": true}}, nil
		})
	}
	exec, err := tools.NewExecutor(reg, handlers)
	require.NoError(t, err)

	h.orch, err = New(Deps{
		Gate:          security.NewGate(h.tenants),
		Breaker:       breaker.New(opts...),
		Router:        router,
		Registry:      reg,
		Prompts:       prompt.NewCache(prompt.NewCompiler(nil), time.Hour),
		Loop:          agent.NewLoop(model, exec, nil, reg),
		Conversations: h.convs,
		Replies:       idempotency.NewMemoryCache(),
		Queue:         queue.New(4),
		Delivery:      h.sink,
		Handoff:       h.sink,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, h.orch.Close(context.Background()))
	})
	return h
}

func bistro() *models.TenantConfig {
	return &models.TenantConfig{
		ID:           "bistro",
		Name:         "Bistro Verde",
		Secret:       "bistro-secret",
		Vertical:     models.VerticalRestaurant,
		Capabilities: []models.Capability{"reservation-management", "business-info"},
	}
}

func dental() *models.TenantConfig {
	return &models.TenantConfig{
		ID:           "smiles",
		Name:         "Smiles Dental",
		Secret:       "smiles-secret",
		Vertical:     models.VerticalDental,
		Capabilities: []models.Capability{"appointment-management", "business-info"},
	}
}

func event(tenant, contact, key, text string) *models.InboundEvent {
	return &models.InboundEvent{
		Channel:        models.ChannelWeb,
		TenantID:       tenant,
		ContactID:      contact,
		Content:        text,
		IdempotencyKey: key,
	}
}

func toolCall(name string, args map[string]any) llm.Step {
	return llm.Step{Response: &contracts.ModelResponse{ToolCalls: []models.ToolCall{{Name: name, Arguments: args}}}}
}

func answer(text string) llm.Step {
	return llm.Step{Response: &contracts.ModelResponse{Content: text}}
}

func blockUntilDone() llm.Step {
	return llm.Step{Func: func(ctx context.Context, _ *contracts.ModelRequest) (*contracts.ModelResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func (h *harness) process(t *testing.T, ev *models.InboundEvent) *models.Reply {
	t.Helper()
	reply, err := h.orch.Process(context.Background(), ev, h.tenants[ev.TenantID])
	require.NoError(t, err)
	require.NotNil(t, reply)
	return reply
}

// A table booking is parked for confirmation and created only after the
// guest says yes.
func TestReservationAcrossTwoTurns(t *testing.T) {
	model := llm.NewScriptedDriver(
		toolCall("check_availability", map[string]any{"date": "2025-03-02", "time": "19:00", "party_size": 4.0}),
		toolCall("create_reservation", map[string]any{"date": "2025-03-02", "time": "19:00", "party_size": 4.0, "name": "Ana"}),
		answer("You're booked for Sunday at 7pm."),
	)
	h := newHarness(t, model, Config{})

	first := h.process(t, event("bistro", "c-1", "m-1", "book a table for 4 tomorrow at 7pm"))
	assert.Equal(t, models.OutcomeConfirmation, first.Outcome)
	assert.Equal(t, models.IntentReservation, first.Intent)
	assert.Equal(t, models.AgentID("reservations"), first.Agent)
	require.NotNil(t, first.Action)
	assert.Equal(t, models.ActionConfirm, first.Action.Kind)
	assert.Equal(t, int32(1), h.calls["check_availability"].Load())
	assert.Zero(t, h.calls["create_reservation"].Load())

	conv, err := h.convs.Get(context.Background(), models.ConversationKey("bistro", models.ChannelWeb, "c-1"))
	require.NoError(t, err)
	require.NotNil(t, conv.Pending)
	assert.Equal(t, "create_reservation", conv.Pending.Tool)

	second := h.process(t, event("bistro", "c-1", "m-2", "yes please"))
	assert.Equal(t, models.OutcomeAnswered, second.Outcome)
	assert.Equal(t, models.AgentID("reservations"), second.Agent)
	assert.Contains(t, second.Text, "BV-1042")
	assert.Equal(t, int32(1), h.calls["create_reservation"].Load())

	conv, err = h.convs.Get(context.Background(), conv.Key)
	require.NoError(t, err)
	assert.Nil(t, conv.Pending)
	assert.Len(t, conv.Messages, 4)
}

// Five consecutive timeouts open the tenant's breaker; the sixth turn is
// answered with the apology without reaching the model.
func TestBreakerOpensAfterConsecutiveTimeouts(t *testing.T) {
	steps := make([]llm.Step, breaker.DefaultThreshold)
	for i := range steps {
		steps[i] = blockUntilDone()
	}
	model := llm.NewScriptedDriver(steps...)
	h := newHarness(t, model, Config{}, breaker.WithTimeout(20*time.Millisecond))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		r := h.process(t, event("bistro", "c-"+strconv.Itoa(i), "m-"+strconv.Itoa(i), "what are your hours?"))
		assert.Equal(t, models.OutcomeFallback, r.Outcome)
	}
	assert.Equal(t, models.BreakerOpen, h.orch.Breaker.State(context.Background(), "bistro").Status)
	assert.Len(t, model.Requests(), breaker.DefaultThreshold)

	sixth := h.process(t, event("bistro", "c-6", "m-6", "what are your hours?"))
	assert.Equal(t, models.OutcomeFallback, sixth.Outcome)
	assert.Equal(t, breaker.FallbackText("Bistro Verde"), sixth.Text)
	require.NotNil(t, sixth.Action)
	assert.Equal(t, models.ActionOfferHandoff, sixth.Action.Kind)
	assert.Len(t, model.Requests(), breaker.DefaultThreshold, "open breaker must not reach the model")
	assert.Equal(t, models.BreakerClosed, h.orch.Breaker.State(context.Background(), "smiles").Status)
}

// A dental tenant without insurance_info never sees get_insurance_info and
// is told coverage details are unavailable.
func TestMissingCapabilityIsExplained(t *testing.T) {
	model := llm.NewScriptedDriver()
	h := newHarness(t, model, Config{})

	r := h.process(t, event("smiles", "c-1", "m-1", "Do you take Delta Dental insurance?"))
	assert.Equal(t, models.OutcomeUnavailable, r.Outcome)
	assert.Contains(t, r.Text, "insurance coverage details")
	require.NotNil(t, r.Action)
	assert.Equal(t, models.ActionOfferHandoff, r.Action.Kind)
	assert.Empty(t, model.Requests())
	assert.Zero(t, h.calls["get_insurance_info"].Load())
}

// A restaurant with only business-info asking to book never reaches the
// reservations specialist or the model.
func TestReservationWithoutCapabilityIsExplained(t *testing.T) {
	model := llm.NewScriptedDriver()
	h := newHarness(t, model, Config{})
	h.tenants["corner"] = &models.TenantConfig{
		ID:           "corner",
		Name:         "Corner Cafe",
		Secret:       "corner-secret",
		Vertical:     models.VerticalRestaurant,
		Capabilities: []models.Capability{"business-info"},
	}

	r := h.process(t, event("corner", "c-1", "m-1", "book a table for 4 tomorrow at 7pm"))
	assert.Equal(t, models.IntentReservation, r.Intent)
	assert.Equal(t, models.OutcomeUnavailable, r.Outcome)
	assert.Contains(t, r.Text, "table reservations")
	require.NotNil(t, r.Action)
	assert.Equal(t, models.ActionOfferHandoff, r.Action.Kind)
	assert.Empty(t, model.Requests())
	assert.Zero(t, h.calls["check_availability"].Load())
	assert.Zero(t, h.calls["create_reservation"].Load())
}

// A caller that goes away mid-turn does not abort the turn or count as a
// backend failure.
func TestCallerCancelDoesNotTripBreaker(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	model := llm.NewScriptedDriver(llm.Step{Func: func(context.Context, *contracts.ModelRequest) (*contracts.ModelResponse, error) {
		close(entered)
		<-release
		return &contracts.ModelResponse{Content: "We open at 5pm."}, nil
	}})
	h := newHarness(t, model, Config{}, breaker.WithThreshold(1))

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		reply *models.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		r, err := h.orch.Process(ctx, event("bistro", "c-1", "m-1", "when do you open?"), h.tenants["bistro"])
		done <- result{r, err}
	}()

	<-entered
	cancel()
	close(release)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, models.OutcomeAnswered, got.reply.Outcome)
	assert.Equal(t, "We open at 5pm.", got.reply.Text)
	st := h.orch.Breaker.State(context.Background(), "bistro")
	assert.Equal(t, models.BreakerClosed, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestRedeliveryReplaysCachedReply(t *testing.T) {
	model := llm.NewScriptedDriver(answer("We open at 5pm."))
	h := newHarness(t, model, Config{})

	ev := event("bistro", "c-1", "m-1", "when do you open?")
	first := h.process(t, ev)
	again := h.process(t, event("bistro", "c-1", "m-1", "when do you open?"))
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Text, again.Text)
	assert.Len(t, model.Requests(), 1)
}

// With the reply cache gone, a redelivered event is recognized by the
// conversation log and the stored reply is returned without a new turn.
func TestRedeliveryAfterCacheLossIsDuplicate(t *testing.T) {
	model := llm.NewScriptedDriver(answer("We open at 5pm."))
	h := newHarness(t, model, Config{})

	h.process(t, event("bistro", "c-1", "m-1", "when do you open?"))
	h.orch.Replies = idempotency.NewMemoryCache()

	again := h.process(t, event("bistro", "c-1", "m-1", "when do you open?"))
	assert.Equal(t, models.OutcomeDuplicate, again.Outcome)
	assert.Equal(t, "We open at 5pm.", again.Text)
	assert.Len(t, model.Requests(), 1)

	msgs, err := h.convs.History(context.Background(), models.ConversationKey("bistro", models.ChannelWeb, "c-1"), 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

// The second message of a conversation is only reasoned about after the
// first turn finished, and sees it in its history.
func TestTurnsRunInArrivalOrder(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	model := llm.NewScriptedDriver(
		llm.Step{Func: func(ctx context.Context, _ *contracts.ModelRequest) (*contracts.ModelResponse, error) {
			close(started)
			<-release
			return &contracts.ModelResponse{Content: "We open at 5pm."}, nil
		}},
		answer("Yes, there is parking."),
	)
	h := newHarness(t, model, Config{})

	var wg sync.WaitGroup
	var order []string
	var mu sync.Mutex
	run := func(key, text string) {
		defer wg.Done()
		r := h.process(t, event("bistro", "c-1", key, text))
		mu.Lock()
		order = append(order, r.Text)
		mu.Unlock()
	}

	wg.Add(2)
	go run("m-1", "when do you open?")
	<-started
	go run("m-2", "do you have parking?")

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, model.Requests(), 1, "second turn must wait")
	close(release)
	wg.Wait()

	assert.Equal(t, []string{"We open at 5pm.", "Yes, there is parking."}, order)
	reqs := model.Requests()
	require.Len(t, reqs, 2)
	var seen []string
	for _, m := range reqs[1].Messages {
		seen = append(seen, m.Content)
	}
	assert.Contains(t, seen, "when do you open?")
	assert.Contains(t, seen, "We open at 5pm.")
}

func TestPanicInTurnServesFallback(t *testing.T) {
	model := llm.NewScriptedDriver(llm.Step{Func: func(context.Context, *contracts.ModelRequest) (*contracts.ModelResponse, error) {
		panic("driver bug")
	}})
	h := newHarness(t, model, Config{})

	r := h.process(t, event("bistro", "c-1", "m-1", "hello there"))
	assert.Equal(t, models.OutcomeFallback, r.Outcome)
	assert.Equal(t, 1, h.orch.Breaker.State(context.Background(), "bistro").ConsecutiveFailures)
}

func TestHumanRequestNotifiesHandoff(t *testing.T) {
	model := llm.NewScriptedDriver()
	h := newHarness(t, model, Config{})

	r := h.process(t, event("bistro", "c-9", "m-1", "let me talk to a real person, my email is ana@example.com"))
	assert.Equal(t, models.OutcomeEscalated, r.Outcome)
	require.NoError(t, h.orch.Close(context.Background()))

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.handoffs, 1)
	ho := h.sink.handoffs[0]
	assert.Equal(t, "bistro", ho.TenantID)
	assert.Equal(t, "c-9", ho.ContactID)
	assert.Equal(t, "customer asked for a person", ho.Reason)
	require.NotEmpty(t, ho.Transcript)
	assert.NotContains(t, ho.Transcript[0].Content, "ana@example.com")
	require.Len(t, h.sink.replies, 1)
	assert.Equal(t, r.ID, h.sink.replies[0].ID)
}

func TestVoiceDeadlineIsShorter(t *testing.T) {
	model := llm.NewScriptedDriver(blockUntilDone())
	h := newHarness(t, model, Config{VoiceDeadline: 30 * time.Millisecond})

	ev := event("bistro", "+15551234567", "call-1", "what are your hours?")
	ev.Channel = models.ChannelVoice
	start := time.Now()
	r := h.process(t, ev)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, models.OutcomeFallback, r.Outcome)
	assert.False(t, r.Hints.Markdown)
}

func TestTransferHopsToSpecialist(t *testing.T) {
	model := llm.NewScriptedDriver(
		toolCall("transfer_to_specialist", map[string]any{"agent": "reservations"}),
		answer("Happy to help you book. For how many people?"),
	)
	h := newHarness(t, model, Config{})

	r := h.process(t, event("bistro", "c-1", "m-1", "hello there"))
	assert.Equal(t, models.AgentID("reservations"), r.Agent)
	assert.Equal(t, "Happy to help you book. For how many people?", r.Text)

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	for _, d := range reqs[1].Tools {
		assert.NotEqual(t, "transfer_to_specialist", d.Name, "transfer budget is spent")
	}
}

func TestHandleRejectsBadSignature(t *testing.T) {
	model := llm.NewScriptedDriver(answer("We open at 5pm."))
	h := newHarness(t, model, Config{})

	body, err := json.Marshal(event("bistro", "c-1", "m-1", "when do you open?"))
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	_, err = h.orch.Handle(context.Background(), security.Request{Body: body, Signature: "deadbeef", Timestamp: ts})
	require.Error(t, err)
	assert.True(t, errors.Is(err, security.ErrRejected))
	assert.Empty(t, model.Requests())

	r, err := h.orch.Handle(context.Background(), security.Request{
		Body:      body,
		Signature: security.Sign("bistro-secret", body),
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, "We open at 5pm.", r.Text)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}
