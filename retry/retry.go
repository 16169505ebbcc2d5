// Package retry provides the shared bounded-retry policy used across the
// fabric: optimistic-concurrency state updates and orchestrator stage
// submission all retry through one Policy so backoff behavior stays
// consistent and testable.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/tailored-agentic-units/fabric/config"
)

// ErrBudgetExhausted wraps the last attempt's error once MaxAttempts is
// spent.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Permanent marks an error as non-retryable: Do stops immediately and
// returns it unwrapped.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string {
	return p.Err.Error()
}

func (p Permanent) Unwrap() error {
	return p.Err
}

// Policy bounds a retry loop: at most MaxAttempts calls, exponential backoff
// from BaseDelay capped at MaxDelay, with proportional random jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// FromConfig builds a Policy from its config representation.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay.Std(),
		MaxDelay:    cfg.MaxDelay.Std(),
		Jitter:      cfg.Jitter,
	}
}

// Do invokes fn until it succeeds, returns a Permanent error, the attempt
// budget is spent, or ctx is cancelled. The backoff sleep between attempts
// honors ctx.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var permanent Permanent
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return errors.Join(ErrBudgetExhausted, lastErr)
}

// delay computes the backoff for the given 0-based attempt.
func (p Policy) delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}

	for range attempt {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}
