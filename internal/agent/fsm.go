package agent

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// State is a specialist loop state.
type State string

const (
	StateAwaitingReasoning    State = "AWAITING_REASONING"
	StateToolCallRequested    State = "TOOL_CALL_REQUESTED"
	StateToolExecuted         State = "TOOL_EXECUTED"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateFinalAnswer          State = "FINAL_ANSWER"
	StateEscalated            State = "ESCALATED"
)

// Event drives a transition.
type Event string

const (
	EventToolCall        Event = "model_tool_call"
	EventAnswer          Event = "model_answer"
	EventBudgetExhausted Event = "budget_exhausted"
	EventToolDone        Event = "tool_done"
	EventNeedsConfirm    Event = "needs_confirmation"
	EventUnavailable     Event = "tool_unavailable"
	EventObserve         Event = "observe"
	EventEscalate        Event = "escalate"
	EventTransfer        Event = "transfer"
	EventNextCall        Event = "next_tool_call"
)

// Transitions is the complete (state, event) → state table. States with no
// row are terminal.
var Transitions = map[State]map[Event]State{
	StateAwaitingReasoning: {
		EventToolCall:        StateToolCallRequested,
		EventAnswer:          StateFinalAnswer,
		EventBudgetExhausted: StateFinalAnswer,
		EventEscalate:        StateEscalated,
	},
	StateToolCallRequested: {
		EventToolDone:     StateToolExecuted,
		EventNeedsConfirm: StateAwaitingConfirmation,
		EventUnavailable:  StateFinalAnswer,
		EventTransfer:     StateFinalAnswer,
		EventEscalate:     StateEscalated,
	},
	StateToolExecuted: {
		EventObserve:  StateAwaitingReasoning,
		EventNextCall: StateToolCallRequested,
		EventEscalate: StateEscalated,
	},
}

// Terminal reports whether no event leaves s.
func (s State) Terminal() bool {
	_, ok := Transitions[s]
	return !ok
}

// machine tracks the current state and the path taken. An event with no
// row leaves the state unchanged and is logged; tests assert on the path.
type machine struct {
	state State
	path  []State
}

func newMachine(start State) *machine {
	return &machine{state: start, path: []State{start}}
}

func (m *machine) fire(ev Event) error {
	next, ok := Transitions[m.state][ev]
	if !ok {
		err := fmt.Errorf("agent: no transition from %s on %s", m.state, ev)
		log.Error().Err(err).Msg("Invalid agent transition")
		return err
	}
	m.state = next
	m.path = append(m.path, next)
	return nil
}
