// Package poll implements the fixed-interval, deadline-bounded probing shared
// by the connection, login and logout state machines.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultInterval is the probe cadence used when none is configured.
const DefaultInterval = time.Second

// ErrDeadlineExceeded is returned when a probe never reported done within budget.
var ErrDeadlineExceeded = errors.New("poll deadline exceeded")

// Clock supplies time and interruptible sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Probe reports whether the awaited condition holds. A non-nil error aborts
// polling immediately.
type Probe func(ctx context.Context) (bool, error)

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep blocks for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poller runs probes at a fixed interval.
type Poller struct {
	Interval time.Duration
	Clock    Clock
}

// New builds a poller, substituting defaults for a non-positive interval or nil clock.
func New(interval time.Duration, clock Clock) Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return Poller{Interval: interval, Clock: clock}
}

// Until probes until done, an error, ctx cancellation, or budget elapses.
// The last probe always starts before the budget is spent, so the call
// returns no later than budget plus one interval after it began.
// It returns the number of probes executed.
func (p Poller) Until(ctx context.Context, budget time.Duration, probe Probe) (int, error) {
	if probe == nil {
		return 0, errors.New("probe is required")
	}
	p = New(p.Interval, p.Clock)
	if ctx == nil {
		ctx = context.Background()
	}

	started := p.Clock.Now()
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}
		attempts++
		done, err := probe(ctx)
		if err != nil {
			return attempts, err
		}
		if done {
			return attempts, nil
		}
		if p.Clock.Now().Sub(started) >= budget {
			return attempts, fmt.Errorf("%w after %d probes over %s", ErrDeadlineExceeded, attempts, budget)
		}
		if err := p.Clock.Sleep(ctx, p.Interval); err != nil {
			return attempts, err
		}
	}
}

// Settle pauses for d, honouring ctx. Used for fixed per-step UI settle delays.
func (p Poller) Settle(ctx context.Context, d time.Duration) error {
	p = New(p.Interval, p.Clock)
	if ctx == nil {
		ctx = context.Background()
	}
	return p.Clock.Sleep(ctx, d)
}
