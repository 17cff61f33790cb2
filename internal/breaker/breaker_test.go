package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/pkg/models"
)

var errBackend = errors.New("backend down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func TestTransitionTableIsClosed(t *testing.T) {
	for from, events := range transitions {
		for ev, to := range events {
			_, known := transitions[to]
			assert.True(t, known, "%s --%s--> %s leads to unknown state", from, ev, to)
		}
	}
	_, ok := transitions[models.BreakerOpen][eventSuccess]
	assert.False(t, ok, "OPEN must not accept a call result")
}

// Five consecutive timeouts open the circuit; the sixth call is answered
// without invoking the backend.
func TestTimeoutsTripBreaker(t *testing.T) {
	b := New(WithTimeout(10 * time.Millisecond))
	ctx := context.Background()

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	for i := 0; i < DefaultThreshold; i++ {
		err := b.Do(ctx, "bistro", slow)
		require.ErrorIs(t, err, ErrTimeout)
	}
	assert.Equal(t, models.BreakerOpen, b.State(ctx, "bistro").Status)

	var called atomic.Bool
	err := b.Do(ctx, "bistro", func(context.Context) error {
		called.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called.Load())
}

func TestHardTimeoutDoesNotWaitForCall(t *testing.T) {
	b := New(WithTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := b.Do(context.Background(), "bistro", func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFailuresBelowThresholdStayClosed(t *testing.T) {
	b := New()
	ctx := context.Background()
	for i := 0; i < DefaultThreshold-1; i++ {
		_ = b.Do(ctx, "bistro", fail)
	}
	st := b.State(ctx, "bistro")
	assert.Equal(t, models.BreakerClosed, st.Status)
	assert.Equal(t, DefaultThreshold-1, st.ConsecutiveFailures)

	require.NoError(t, b.Do(ctx, "bistro", ok))
	assert.Zero(t, b.State(ctx, "bistro").ConsecutiveFailures)
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	clk := newClock()
	b := New(WithThreshold(2), WithClock(clk.Now))
	ctx := context.Background()

	_ = b.Do(ctx, "bistro", fail)
	_ = b.Do(ctx, "bistro", fail)
	require.ErrorIs(t, b.Do(ctx, "bistro", ok), ErrOpen)

	clk.Advance(DefaultCooldown)
	require.NoError(t, b.Do(ctx, "bistro", ok))

	st := b.State(ctx, "bistro")
	assert.Equal(t, models.BreakerClosed, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := newClock()
	b := New(WithThreshold(1), WithClock(clk.Now))
	ctx := context.Background()

	_ = b.Do(ctx, "bistro", fail)
	clk.Advance(DefaultCooldown + time.Second)
	require.ErrorIs(t, b.Do(ctx, "bistro", fail), errBackend)

	assert.Equal(t, models.BreakerOpen, b.State(ctx, "bistro").Status)
	assert.ErrorIs(t, b.Do(ctx, "bistro", ok), ErrOpen)
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	clk := newClock()
	b := New(WithThreshold(1), WithClock(clk.Now))
	ctx := context.Background()
	_ = b.Do(ctx, "bistro", fail)
	clk.Advance(DefaultCooldown)

	entered := make(chan struct{})
	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Do(ctx, "bistro", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, b.Do(ctx, "bistro", ok), ErrOpen)
	close(release)
	require.NoError(t, <-trialDone)
	assert.NoError(t, b.Do(ctx, "bistro", ok))
}

// A call admitted while CLOSED that finishes during the half-open trial
// must not decide the trial's outcome, whether it succeeded or failed.
func TestStaleResultDoesNotSettleHalfOpen(t *testing.T) {
	for _, staleErr := range []error{nil, errBackend} {
		name := "success"
		if staleErr != nil {
			name = "failure"
		}
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			b := New(WithThreshold(1), WithClock(clk.Now))
			ctx := context.Background()

			hold := func(entered, release chan struct{}, result error) func(context.Context) error {
				return func(context.Context) error {
					close(entered)
					<-release
					return result
				}
			}

			staleIn, staleRelease := make(chan struct{}), make(chan struct{})
			staleDone := make(chan error, 1)
			go func() { staleDone <- b.Do(ctx, "bistro", hold(staleIn, staleRelease, staleErr)) }()
			<-staleIn

			require.ErrorIs(t, b.Do(ctx, "bistro", fail), errBackend)
			require.Equal(t, models.BreakerOpen, b.State(ctx, "bistro").Status)
			clk.Advance(DefaultCooldown)

			trialIn, trialRelease := make(chan struct{}), make(chan struct{})
			trialDone := make(chan error, 1)
			go func() { trialDone <- b.Do(ctx, "bistro", hold(trialIn, trialRelease, nil)) }()
			<-trialIn

			close(staleRelease)
			assert.ErrorIs(t, <-staleDone, staleErr)
			assert.Equal(t, models.BreakerHalfOpen, b.State(ctx, "bistro").Status)

			var admitted atomic.Int32
			for i := 0; i < 3; i++ {
				err := b.Do(ctx, "bistro", func(context.Context) error {
					admitted.Add(1)
					return nil
				})
				assert.ErrorIs(t, err, ErrOpen)
			}
			assert.Zero(t, admitted.Load(), "only the trial may run while HALF_OPEN")

			close(trialRelease)
			require.NoError(t, <-trialDone)
			assert.Equal(t, models.BreakerClosed, b.State(ctx, "bistro").Status)
		})
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	b := New(WithThreshold(1))
	ctx := context.Background()
	_ = b.Do(ctx, "bistro", fail)

	assert.ErrorIs(t, b.Do(ctx, "bistro", ok), ErrOpen)
	assert.NoError(t, b.Do(ctx, "dental", ok))
}

func TestPanicCountsAsFailure(t *testing.T) {
	b := New(WithThreshold(1))
	err := b.Do(context.Background(), "bistro", func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Equal(t, models.BreakerOpen, b.State(context.Background(), "bistro").Status)
}

func TestReset(t *testing.T) {
	b := New(WithThreshold(1))
	ctx := context.Background()
	_ = b.Do(ctx, "bistro", fail)
	require.NoError(t, b.Reset(ctx, "bistro"))
	assert.Equal(t, models.BreakerClosed, b.State(ctx, "bistro").Status)
	assert.NoError(t, b.Do(ctx, "bistro", ok))
}

func TestStateSurvivesRestartWithBadger(t *testing.T) {
	store, err := NewBadgerStore("")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	first := New(WithThreshold(1), WithStore(store))
	_ = first.Do(ctx, "bistro", fail)

	second := New(WithThreshold(1), WithStore(store))
	assert.Equal(t, models.BreakerOpen, second.State(ctx, "bistro").Status)
	assert.ErrorIs(t, second.Do(ctx, "bistro", ok), ErrOpen)
}

func TestMemoryStoreMissingTenant(t *testing.T) {
	st, err := NewMemoryStore().Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestFallbackText(t *testing.T) {
	assert.Contains(t, FallbackText("Bistro Verde"), "Bistro Verde")
	assert.Contains(t, FallbackText(""), "try again")
}
