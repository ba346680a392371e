package infra

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"market_session/internal/domain"
)

// RetryPolicy is the single backoff rule for upstream calls:
// delay(n) = min(MaxDelay, BaseDelay * 2^(n-1)) + rand[0, Jitter).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy retries three times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Jitter:      300 * time.Millisecond,
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retriable error, the attempts are exhausted,
// or ctx is done. onRetry, when set, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !domain.IsRetriable(err) || i == attempts {
			break
		}

		delay := p.Backoff(i)
		slog.Warn("Upstream call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", i),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if onRetry != nil {
			onRetry(i, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
