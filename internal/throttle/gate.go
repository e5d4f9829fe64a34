// Package throttle spaces calls to an upstream API a minimum interval apart.
package throttle

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Gate admits one caller per interval. Waiters block until their slot or
// until their context ends.
type Gate struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
}

// NewGate returns a Gate admitting at most one call per interval.
// A non-positive interval disables throttling.
func NewGate(interval time.Duration, clock clockwork.Clock) *Gate {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Gate{
		limiter: rate.NewLimiter(limit, 1),
		clock:   clock,
	}
}

// Acquire waits for the next free slot. If ctx ends first the reserved slot
// is returned to the limiter and ctx.Err() is returned.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := g.clock.Now()
	r := g.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := g.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.CancelAt(g.clock.Now())
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
