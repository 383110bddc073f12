package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-convoy/internal/models"
)

// Policy is a bounded exponential backoff shared by route computation,
// marker construction and the consumer's store updates.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// Default matches the destination route computation: 3 attempts with
// 2s/4s/8s delays observed after each failure.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}
}

// Do runs op until it succeeds or MaxAttempts is reached. After every failed
// attempt, the last included, it sleeps the current delay; exhaustion then
// returns an error wrapping both models.ErrExhausted and the last failure.
// The sleep is context-aware: cancellation stops the timer and guarantees no
// late attempt fires.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := p.BaseDelay

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", models.ErrCancelled, err)
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", models.ErrCancelled, err)
		}
		delay = time.Duration(float64(delay) * mult)
	}
	return fmt.Errorf("%w after %d attempts: %w", models.ErrExhausted, attempts, last)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
