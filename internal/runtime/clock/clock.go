// Package clock provides the context-aware sleeps every fleet loop suspends on.
//
// All timing in the fleet goes through a Sleeper so tests can observe the
// exact durations a loop asks for without waiting for them.
package clock

import (
	"context"
	"time"

	kclock "k8s.io/utils/clock"
)

// Sleeper suspends the caller for d, or until ctx is done.
// It returns ctx.Err() when woken by cancellation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// Real sleeps on top of a k8s clock so timers can be faked where needed.
type Real struct {
	Clock kclock.WithTicker
}

// New returns a Sleeper backed by the wall clock.
func New() Real { return Real{Clock: kclock.RealClock{}} }

func (r Real) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	c := r.Clock
	if c == nil {
		c = kclock.RealClock{}
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// Sleep waits on the wall clock.
func Sleep(ctx context.Context, d time.Duration) error { return New().Sleep(ctx, d) }
