package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy wraps an operation with retries. Implementations decide how
// many attempts to make and how long to wait between them; fn decides which
// errors are worth returning (and therefore retrying).
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// nopRetry runs fn exactly once.
type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// SimpleRetry retries fn with exponential backoff: BaseDelay doubles after
// every failed attempt, capped at MaxDelay. Jitter spreads the delay by
// +-20% so parallel retriers do not thunder in step. Zero delays mean
// immediate retries.
type SimpleRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

func (r SimpleRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.BaseDelay
	if backoff <= 0 && r.MaxDelay > 0 {
		backoff = 50 * time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay < backoff {
		maxDelay = backoff
	}

	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil || attempt == attempts {
			return last
		}

		if backoff > 0 {
			d := backoff
			if r.Jitter {
				d = time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
			}
			if d > maxDelay {
				d = maxDelay
			}

			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			backoff *= 2
			if backoff > maxDelay {
				backoff = maxDelay
			}
		}
	}
}
