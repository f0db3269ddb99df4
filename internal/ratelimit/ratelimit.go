// Package ratelimit enforces named send budgets with a sliding window.
// An attempt is admitted only if fewer than Capacity attempts were admitted
// in the trailing Window; admission records the attempt atomically so
// concurrent senders cannot both land on the last slot.
//
// The limiter fails open: if the backing store is unreachable the attempt
// is admitted and a warning is logged. Outbound throughput degrades to
// unlimited rather than halting.
package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Budget is a named admission budget: at most Capacity events per
// trailing Window.
type Budget struct {
	Name     string        `yaml:"name" mapstructure:"name"`
	Capacity int           `yaml:"capacity" mapstructure:"capacity"`
	Window   time.Duration `yaml:"window" mapstructure:"window"`
}

// Decision is the outcome of an admission check. RetryAfter is only
// meaningful when Allowed is false and reports how long until the oldest
// counted event leaves the window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// WindowStore records admissions and answers whether a budget has room.
// Take must be atomic: check and record in one step.
type WindowStore interface {
	Take(ctx context.Context, b Budget, now time.Time) (Decision, error)
}

// Limiter checks named budgets against a WindowStore.
type Limiter struct {
	store   WindowStore
	budgets map[string]Budget
	now     func() time.Time
}

// New builds a Limiter over the given budgets. Budgets with a
// non-positive capacity or window are rejected.
func New(store WindowStore, budgets []Budget) (*Limiter, error) {
	byName := make(map[string]Budget, len(budgets))
	for _, b := range budgets {
		if b.Name == "" {
			return nil, eris.New("ratelimit: budget name is required")
		}
		if b.Capacity <= 0 {
			return nil, eris.Errorf("ratelimit: budget %s: capacity must be positive", b.Name)
		}
		if b.Window <= 0 {
			return nil, eris.Errorf("ratelimit: budget %s: window must be positive", b.Name)
		}
		byName[b.Name] = b
	}
	return &Limiter{store: store, budgets: byName, now: time.Now}, nil
}

// Allow checks the named budget and records the attempt if admitted.
// Unknown budgets and store failures both admit.
func (l *Limiter) Allow(ctx context.Context, name string) Decision {
	b, ok := l.budgets[name]
	if !ok {
		zap.L().Warn("unknown rate limit budget, admitting", zap.String("budget", name))
		return Decision{Allowed: true}
	}

	d, err := l.store.Take(ctx, b, l.now())
	if err != nil {
		zap.L().Warn("rate limit store unavailable, admitting",
			zap.String("budget", name), zap.Error(err))
		return Decision{Allowed: true}
	}
	return d
}

// Wait blocks until the named budget admits the attempt or ctx is done.
// It sleeps for each denial's RetryAfter rather than polling.
func (l *Limiter) Wait(ctx context.Context, name string) error {
	for {
		d := l.Allow(ctx, name)
		if d.Allowed {
			return nil
		}

		delay := d.RetryAfter
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrapf(ctx.Err(), "ratelimit: wait for budget %s", name)
		case <-timer.C:
		}
	}
}
