// Package events provides the signalling primitives shared by the engine:
// a resettable Event, the initialization event tree and a topic bus.
package events

import (
	"context"
	"sync"
	"time"

	"trading-engine/internal/errs"
)

// Event is a resettable broadcast flag. Waiters are released when it is set.
type Event struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewEvent returns a cleared event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set releases every current and future waiter until Clear is called.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear re-arms the event.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports whether the event is currently set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel closed once the event is set.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout waits at most d and returns an errs.Timeout error on expiry.
func (e *Event) WaitTimeout(ctx context.Context, d time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := e.Wait(tctx); err != nil {
		if ctx.Err() == nil {
			return errs.New(errs.Timeout, "event not set after %s", d)
		}
		return err
	}
	return nil
}
