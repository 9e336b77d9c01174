// Package retry runs an operation with bounded, jittered exponential backoff.
//
// Only errors classified as retryable by etlerr are retried; anything else
// is returned immediately.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first (minimum 1)
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any single delay (0 = uncapped)
}

// DefaultPolicy returns three attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the jittered delay before attempt (1-based, attempt > 1).
// The delay doubles per attempt, jittered to 0.5x-1.5x, and capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	backoff := p.BaseDelay
	for i := 2; i < attempt; i++ {
		backoff *= 2
		if p.MaxDelay > 0 && backoff >= p.MaxDelay {
			backoff = p.MaxDelay
			break
		}
	}
	jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)+1))
	if p.MaxDelay > 0 && jitter > p.MaxDelay {
		jitter = p.MaxDelay
	}
	return jitter
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The attempt number passed to fn is 1-based.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context, attempt int) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := p.Backoff(attempt)
			if ra := etlerr.RetryAfter(lastErr); ra > wait {
				wait = ra
				if p.MaxDelay > 0 && wait > p.MaxDelay {
					wait = p.MaxDelay
				}
			}
			logger.Debug("retrying",
				"op", op,
				"attempt", attempt,
				"backoff", wait,
				"error", lastErr,
			)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !etlerr.IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("%s: max attempts (%d) exceeded: %w", op, maxAttempts, lastErr)
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
