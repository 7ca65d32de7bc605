package retry

import (
	"context"
	"errors"
	"log"
	"time"
)

// ErrInvalidMaxAttempts is returned when a policy allows no attempts.
var ErrInvalidMaxAttempts = errors.New("retry: max attempts must be greater than 0")

// Policy configures Do.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration // doubles after every failed attempt
	MaxDelay    time.Duration // 0 = uncapped
	// Retryable decides whether an error is worth another attempt.
	// nil retries every error.
	Retryable func(error) bool
}

// Do runs operation until it succeeds, returns a non-retryable error, or
// the attempts are spent. The error of the last attempt is returned.
func Do(ctx context.Context, p Policy, operation func() error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := Backoff(p.BaseDelay, p.MaxDelay, attempt)
		log.Printf("retry: attempt %d/%d failed, next in %s: %v", attempt, p.MaxAttempts, delay, lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// Backoff returns base * 2^(attempt-1), capped at max when max > 0.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
