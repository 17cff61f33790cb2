// Package breaker isolates tenants from each other with a per-tenant circuit
// breaker around the agent loop.
//
// Every call runs under a hard timeout. Consecutive failures trip the
// breaker OPEN; after a cool-down a single trial call is let through in
// HALF_OPEN. Transitions for one tenant are serialized by that tenant's
// mutex and follow an explicit table.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/pkg/models"
)

var (
	// ErrOpen is returned without invoking the call while the breaker is open.
	ErrOpen = errors.New("circuit open")
	// ErrTimeout is returned when the call exceeds the hard timeout.
	ErrTimeout = errors.New("call exceeded hard timeout")
)

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
	DefaultTimeout   = 8 * time.Second
)

type event string

const (
	eventSuccess  event = "success"
	eventFailure  event = "failure"
	eventTrip     event = "trip"
	eventCooldown event = "cooldown"
	eventReset    event = "reset"
)

var transitions = map[models.BreakerStatus]map[event]models.BreakerStatus{
	models.BreakerClosed: {
		eventSuccess: models.BreakerClosed,
		eventFailure: models.BreakerClosed,
		eventTrip:    models.BreakerOpen,
		eventReset:   models.BreakerClosed,
	},
	models.BreakerOpen: {
		eventCooldown: models.BreakerHalfOpen,
		eventReset:    models.BreakerClosed,
	},
	models.BreakerHalfOpen: {
		eventSuccess: models.BreakerClosed,
		eventFailure: models.BreakerOpen,
		eventReset:   models.BreakerClosed,
	},
}

// StateStore persists breaker records so state survives restarts.
type StateStore interface {
	// Load returns the stored state, or nil when the tenant has none.
	Load(ctx context.Context, tenantID string) (*models.BreakerState, error)
	Save(ctx context.Context, state models.BreakerState) error
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

func WithStore(s StateStore) Option {
	return func(b *Breaker) { b.store = s }
}

// WithClock replaces time.Now. Tests use it to skip the cool-down.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

type tenantBreaker struct {
	mu     sync.Mutex
	loaded bool
	trial  bool
	state  models.BreakerState
	// gen advances on every status change and on Reset. A result is only
	// applied to the generation that admitted its call.
	gen uint64
}

// ticket records what admit decided for one call.
type ticket struct {
	trial bool
	gen   uint64
}

// Breaker holds one circuit per tenant.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	timeout   time.Duration
	store     StateStore
	now       func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantBreaker
}

// New creates a breaker with an in-memory store unless WithStore is given.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		timeout:   DefaultTimeout,
		now:       time.Now,
		tenants:   make(map[string]*tenantBreaker),
	}
	for _, o := range opts {
		o(b)
	}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	return b
}

func (b *Breaker) tenant(id string) *tenantBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	tb, ok := b.tenants[id]
	if !ok {
		tb = &tenantBreaker{}
		b.tenants[id] = tb
	}
	return tb
}

// load must be called with tb.mu held.
func (b *Breaker) load(ctx context.Context, tenantID string, tb *tenantBreaker) {
	if tb.loaded {
		return
	}
	tb.loaded = true
	tb.state = models.BreakerState{TenantID: tenantID, Status: models.BreakerClosed, LastTransition: b.now()}
	st, err := b.store.Load(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("Breaker state load failed, starting CLOSED")
		return
	}
	if st != nil {
		tb.state = *st
		tb.state.TenantID = tenantID
	}
}

// fire applies ev and persists the result. Must be called with tb.mu held.
func (b *Breaker) fire(ctx context.Context, tb *tenantBreaker, ev event) error {
	from := tb.state.Status
	to, ok := transitions[from][ev]
	if !ok {
		return fmt.Errorf("breaker: no transition from %s on %s", from, ev)
	}

	switch ev {
	case eventSuccess, eventReset:
		tb.state.ConsecutiveFailures = 0
	case eventFailure:
		tb.state.ConsecutiveFailures++
	}
	if to != from {
		tb.state.Status = to
		tb.state.LastTransition = b.now()
		tb.gen++
		metrics.RecordBreakerTransition(string(from), string(to))
		log.Info().Str("tenant", tb.state.TenantID).Str("from", string(from)).Str("to", string(to)).
			Int("failures", tb.state.ConsecutiveFailures).Msg("⚡ Breaker transition")
	}

	if err := b.store.Save(ctx, tb.state); err != nil {
		log.Warn().Err(err).Str("tenant", tb.state.TenantID).Msg("Breaker state save failed")
	}
	return nil
}

// admit decides whether a call may run and whether it is the half-open
// trial.
func (b *Breaker) admit(ctx context.Context, tenantID string, tb *tenantBreaker) (ticket, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	b.load(ctx, tenantID, tb)

	if tb.state.Status == models.BreakerOpen && b.now().Sub(tb.state.LastTransition) >= b.cooldown {
		if err := b.fire(ctx, tb, eventCooldown); err != nil {
			return ticket{}, err
		}
	}

	switch tb.state.Status {
	case models.BreakerOpen:
		return ticket{}, ErrOpen
	case models.BreakerHalfOpen:
		if tb.trial {
			return ticket{}, ErrOpen
		}
		tb.trial = true
		return ticket{trial: true, gen: tb.gen}, nil
	}
	return ticket{gen: tb.gen}, nil
}

func (b *Breaker) record(ctx context.Context, tb *tenantBreaker, t ticket, failed bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if t.gen != tb.gen {
		log.Debug().Str("tenant", tb.state.TenantID).Bool("failed", failed).
			Msg("Breaker ignored result of a call admitted before the last transition")
		return
	}
	if t.trial {
		tb.trial = false
	}

	var err error
	switch {
	case !failed:
		err = b.fire(ctx, tb, eventSuccess)
	case tb.state.Status == models.BreakerClosed && tb.state.ConsecutiveFailures+1 >= b.threshold:
		tb.state.ConsecutiveFailures++
		err = b.fire(ctx, tb, eventTrip)
	default:
		err = b.fire(ctx, tb, eventFailure)
	}
	if err != nil {
		log.Error().Err(err).Str("tenant", tb.state.TenantID).Msg("Breaker transition rejected")
	}
}

// Do runs fn for tenantID under the hard timeout. It returns ErrOpen without
// calling fn while the circuit is open, ErrTimeout when fn overruns, and
// otherwise fn's error. A panic in fn counts as a failure and is returned
// as an error.
func (b *Breaker) Do(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	tb := b.tenant(tenantID)
	t, err := b.admit(ctx, tenantID, tb)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("breaker: call panicked: %v", r)
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case err = <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
	case <-cctx.Done():
		err = fmt.Errorf("%w after %s", ErrTimeout, b.timeout)
	}

	// Record on a context that outlives the caller's deadline.
	b.record(context.WithoutCancel(ctx), tb, t, err != nil)
	return err
}

// State returns the tenant's current record.
func (b *Breaker) State(ctx context.Context, tenantID string) models.BreakerState {
	tb := b.tenant(tenantID)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	b.load(ctx, tenantID, tb)
	return tb.state
}

// Reset forces the tenant's breaker CLOSED.
func (b *Breaker) Reset(ctx context.Context, tenantID string) error {
	tb := b.tenant(tenantID)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	b.load(ctx, tenantID, tb)
	tb.trial = false
	tb.gen++
	return b.fire(ctx, tb, eventReset)
}

// FallbackText is the deterministic apology served when a call is refused
// or fails.
func FallbackText(business string) string {
	if business == "" {
		return "Sorry, I'm having trouble answering right now. Please try again in a moment, or reply \"agent\" and I'll connect you with a member of the team."
	}
	return fmt.Sprintf("Sorry, I'm having trouble answering for %s right now. Please try again in a moment, or reply \"agent\" and I'll connect you with a member of the team.", business)
}
