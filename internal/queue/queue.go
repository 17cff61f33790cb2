// Package queue orders turns per conversation on a bounded worker pool.
//
// Turns of one conversation run strictly in arrival order; turns of
// different conversations run in parallel up to the pool size. There is no
// global lock: each key keeps only a pointer to the completion signal of
// its most recent turn.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/switchboardhq/switchboard/internal/metrics"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("queue closed")

// DefaultWorkers bounds concurrent turns across all conversations.
const DefaultWorkers = 64

// Queue serializes work per key.
type Queue struct {
	slots chan struct{}

	mu     sync.Mutex
	tails  map[string]chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a queue with the given number of worker slots.
func New(workers int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Queue{
		slots: make(chan struct{}, workers),
		tails: make(map[string]chan struct{}),
	}
}

// Do runs fn once every earlier Do for key has returned and a worker slot
// is free. It returns fn's error, ctx's error if the wait was abandoned, or
// ErrClosed.
func (q *Queue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.wg.Add(1)
	q.mu.Unlock()

	start := time.Now()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Successors must still wait for prev.
			go func() {
				<-prev
				q.release(key, done)
			}()
			return ctx.Err()
		}
	}

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		q.release(key, done)
		return ctx.Err()
	}
	metrics.RecordQueueWait(time.Since(start))
	metrics.QueueInflight(1)

	defer func() {
		<-q.slots
		metrics.QueueInflight(-1)
		q.release(key, done)
	}()
	return fn(ctx)
}

func (q *Queue) release(key string, done chan struct{}) {
	close(done)
	q.mu.Lock()
	if q.tails[key] == done {
		delete(q.tails, key)
	}
	q.mu.Unlock()
	q.wg.Done()
}

// Pending reports how many keys have queued or running work.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}

// Close rejects new work and waits for queued work to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
