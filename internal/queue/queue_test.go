package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSameKeyRunsInArrivalOrder(t *testing.T) {
	q := New(8)
	var (
		mu    sync.Mutex
		order []int
	)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do(context.Background(), "conv", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		// give each goroutine time to claim its place
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.Zero(t, q.Pending())
}

func TestSameKeyNeverOverlaps(t *testing.T) {
	q := New(8)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), "conv", func(context.Context) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestDifferentKeysRunInParallel(t *testing.T) {
	q := New(4)
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = q.Do(context.Background(), key, func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}(key)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("keys did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestPoolBoundsConcurrency(t *testing.T) {
	q := New(2)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do(context.Background(), string(rune('a'+i)), func(context.Context) error {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestAbandonedWaitKeepsOrder(t *testing.T) {
	q := New(4)
	release := make(chan struct{})
	firstRunning := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do(context.Background(), "conv", func(context.Context) error {
			close(firstRunning)
			<-release
			return nil
		})
	}()
	<-firstRunning

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, "conv", func(context.Context) error {
		t.Error("abandoned turn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A later turn still waits for the first one.
	var ranThird atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do(context.Background(), "conv", func(context.Context) error {
			ranThird.Store(true)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ranThird.Load())

	close(release)
	wg.Wait()
	assert.True(t, ranThird.Load())
}

func TestErrorAndPanicReleaseKey(t *testing.T) {
	q := New(1)
	boom := errors.New("boom")
	assert.ErrorIs(t, q.Do(context.Background(), "k", func(context.Context) error { return boom }), boom)

	assert.Panics(t, func() {
		_ = q.Do(context.Background(), "k", func(context.Context) error { panic("bad turn") })
	})
	require.NoError(t, q.Do(context.Background(), "k", func(context.Context) error { return nil }))
	assert.Zero(t, q.Pending())
}

func TestCloseDrains(t *testing.T) {
	q := New(1)
	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), "k", func(context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, q.Do(context.Background(), "other", func(context.Context) error { return nil }), ErrClosed)

	close(release)
	require.NoError(t, q.Close(context.Background()))
}
