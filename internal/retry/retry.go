// Package retry runs an operation a bounded number of times with a backed-off
// pause between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned, wrapping the last attempt's error, once every
// attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retry loop. Delay is the pause after the first failure;
// each following pause is multiplied by Multiplier and capped at MaxDelay.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultPolicy is three attempts, 500ms apart, growing by half each time.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Delay:      500 * time.Millisecond,
		Multiplier: 1.5,
		MaxDelay:   5 * time.Second,
	}
}

// Backoff returns the pause that follows the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Do calls fn until it succeeds, the attempts run out or ctx is done. fn
// receives the 1-based attempt number. The context error is returned as is
// when cancellation ends the loop early.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}
