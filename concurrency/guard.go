// Package concurrency implements the Concurrency Guard: a single
// process-wide semaphore bounding simultaneous model-driven runs.
package concurrency

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentforge/core/coreerr"
)

// DefaultCapacity is the default number of simultaneous model-driven runs
// (config: AI_MAX_CONCURRENT_BACKGROUND).
const DefaultCapacity = 3

// ReleaseFunc releases a previously acquired slot. It is idempotent: calling
// it more than once is a no-op, and it is safe to call from any goroutine.
type ReleaseFunc func()

// Guard is the process-wide slot limiter. The zero value is not usable; use
// New. Guard is safe for concurrent use.
type Guard struct {
	sem      *semaphore.Weighted
	capacity int64

	mu      sync.Mutex
	running int64
}

// New constructs a Guard with the given capacity. A capacity <= 0 falls back
// to DefaultCapacity.
func New(capacity int) *Guard {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Guard{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Capacity returns the guard's configured capacity N.
func (g *Guard) Capacity() int64 { return g.capacity }

// Running returns the number of currently held slots. Intended for
// diagnostics/metrics only; do not use for correctness decisions.
func (g *Guard) Running() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Acquire blocks until a slot is available or timeout elapses, whichever
// comes first. Waiters are woken in FIFO arrival order (guaranteed by
// semaphore.Weighted). A waiter that times out leaves the queue even if a
// slot frees concurrently. Returns a ReleaseFunc on success, or
// *coreerr.Error{Code: CodeCapacityTimeout} on timeout.
func (g *Guard) Acquire(ctx context.Context, timeout time.Duration) (ReleaseFunc, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, coreerr.Wrap(coreerr.CodeCapacityTimeout, "concurrency guard: acquire timed out", err)
	}
	g.mu.Lock()
	g.running++
	g.mu.Unlock()
	return g.releaseOnce(), nil
}

// TryAcquire attempts a non-blocking acquisition. It returns a nil
// ReleaseFunc and ok=false when no slot is immediately available.
func (g *Guard) TryAcquire() (release ReleaseFunc, ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.mu.Lock()
	g.running++
	g.mu.Unlock()
	return g.releaseOnce(), true
}

func (g *Guard) releaseOnce() ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.running--
			g.mu.Unlock()
			g.sem.Release(1)
		})
	}
}
