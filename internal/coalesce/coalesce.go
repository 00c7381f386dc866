// Package coalesce provides a single-worker task queue of depth one:
// triggers arriving while a pass runs collapse into exactly one follow-up
// pass. It is the concurrency discipline behind the engine's background
// reconciliation loops.
package coalesce

import (
	"context"
	"sync"
)

// Runner owns one worker function. Trigger is safe from any goroutine and
// never blocks; Run drives the worker until ctx is canceled.
type Runner struct {
	fn func(ctx context.Context)

	mu      sync.Mutex
	running bool
	dirty   bool
	wake    chan struct{}
}

// New returns a Runner for fn. fn must observe ctx cancellation at its own
// safe points; the Runner only guarantees it stops scheduling new passes.
func New(fn func(ctx context.Context)) *Runner {
	return &Runner{
		fn:   fn,
		wake: make(chan struct{}, 1),
	}
}

// Trigger requests a pass. If the worker is idle it wakes; if a pass is in
// flight the request coalesces into one follow-up pass.
func (r *Runner) Trigger() {
	r.mu.Lock()
	if r.running {
		r.dirty = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled, executing one pass per effective
// trigger. A pass that completes with the dirty flag set loops again before
// the worker goes idle.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		r.mu.Lock()
		r.running = true
		r.dirty = false
		r.mu.Unlock()

		for {
			r.fn(ctx)

			r.mu.Lock()
			if !r.dirty || ctx.Err() != nil {
				r.running = false
				r.mu.Unlock()
				break
			}
			r.dirty = false
			r.mu.Unlock()
		}
	}
}
