package runtime

import (
	"context"
	"sync"
	"time"
)

// Cancellation couples a cancellable context with a termination-reason
// provider: whoever aborts the run records *why* so the
// caller can distinguish a user-initiated cancel from a watchdog timeout
// once the cooperative signal has fired. An absent reason at the time the
// context is observed cancelled is treated as timed_out by default.
type Cancellation struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason TerminationReason

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewCancellation derives a cancellable child of parent.
func NewCancellation(parent context.Context) *Cancellation {
	ctx, cancel := context.WithCancel(parent)
	return &Cancellation{ctx: ctx, cancel: cancel}
}

// Context returns the cancellable context executors should thread through
// provider calls.
func (c *Cancellation) Context() context.Context { return c.ctx }

// Abort cancels the context and records why, unless it was already
// aborted (first reason wins).
func (c *Cancellation) Abort(reason TerminationReason) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.cancel()
}

// Reason reports the termination reason an aborted run should use to
// classify its terminal phase. A context cancelled without an explicit
// Abort call (e.g. a parent context closing) reports timed_out, the
// default for a reason left unrecorded.
func (c *Cancellation) Reason() TerminationReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return TerminationTimedOut
	}
	return c.reason
}

// ArmWatchdog starts a timer that aborts the run with TerminationTimedOut
// after d elapses. The returned disarm func stops the timer; callers
// should invoke it once the run reaches a terminal phase.
func (c *Cancellation) ArmWatchdog(d time.Duration) (disarm func()) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.timer = time.AfterFunc(d, func() { c.Abort(TerminationTimedOut) })
	return func() {
		c.timerMu.Lock()
		defer c.timerMu.Unlock()
		if c.timer != nil {
			c.timer.Stop()
		}
	}
}
