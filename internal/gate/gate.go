// Package gate turns an asynchronous event callback into a blocking,
// timeout-bounded call.
//
// A Gate is armed with a step tag before the request that triggers the callback is
// issued. The callback resolves the gate with Signal, naming the step it belongs to;
// a signal for any other step, or a second signal for the same wait, is ignored. The
// waiter blocks in Wait until the gate resolves or the timeout elapses.
//
//	g.Arm(StepConnect)
//	transport.Connect(addr)
//	if err := g.Wait(15 * time.Second); err != nil { ... }
//
// Only one wait may be in flight at a time; callers serialize handshake steps.
package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by Wait when no signal arrives in time.
var ErrTimeout = errors.New("callback gate timed out")

// ErrNotArmed is returned by Wait when Arm was not called first.
var ErrNotArmed = errors.New("callback gate is not armed")

// Gate is a single-slot rendezvous between one waiter and event callbacks.
type Gate[S comparable] struct {
	mu       sync.Mutex
	step     S
	armed    bool
	resolved bool
	result   error
	done     chan struct{}
}

// New returns an idle gate.
func New[S comparable]() *Gate[S] {
	return &Gate[S]{}
}

// Arm prepares the gate for a new wait tagged with step. Any previous unresolved
// wait is abandoned.
func (g *Gate[S]) Arm(step S) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.step = step
	g.armed = true
	g.resolved = false
	g.result = nil
	g.done = make(chan struct{})
}

// Signal resolves the armed wait with err (nil means success). It returns false and
// leaves the gate untouched when the gate is idle, already resolved, or armed for a
// different step.
func (g *Gate[S]) Signal(step S, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.armed || g.resolved || g.step != step {
		return false
	}
	g.resolved = true
	g.result = err
	close(g.done)
	return true
}

// Wait blocks until the armed step is signalled or timeout elapses. The gate is
// disarmed on return, so late signals for this step are dropped.
func (g *Gate[S]) Wait(timeout time.Duration) error {
	g.mu.Lock()
	if !g.armed {
		g.mu.Unlock()
		return ErrNotArmed
	}
	done := g.done
	step := g.step
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.armed = false
	if g.resolved {
		return g.result
	}
	return fmt.Errorf("%w: step %v after %s", ErrTimeout, step, timeout)
}

// Step reports the step the gate is currently armed for.
func (g *Gate[S]) Step() (S, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.step, g.armed
}
