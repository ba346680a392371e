package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"market_session/internal/domain"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 8 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_BackoffJitter(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: 5 * time.Millisecond}

	for i := 0; i < 50; i++ {
		got := p.Backoff(1)
		if got < 10*time.Millisecond || got >= 15*time.Millisecond {
			t.Fatalf("Backoff with jitter out of range: %v", got)
		}
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	transient := domain.NewNetworkError("fetch", errors.New("429"))

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls, retries := 0, 0
		err := p.Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		}, func(int, error) { retries++ })

		if err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
		if calls != 3 || retries != 2 {
			t.Errorf("Expected 3 calls and 2 retries, got %d and %d", calls, retries)
		}
	})

	t.Run("stops on fatal error", func(t *testing.T) {
		calls := 0
		fatal := domain.NewFatalNetworkError("fetch", errors.New("401"))
		err := p.Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			return fatal
		}, nil)

		if !errors.Is(err, fatal) || calls != 1 {
			t.Errorf("Expected one call returning the fatal error, got %d calls, err %v", calls, err)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), "test", func(ctx context.Context) error {
			calls++
			return transient
		}, nil)

		if !errors.Is(err, transient) || calls != 3 {
			t.Errorf("Expected 3 calls returning the last error, got %d calls, err %v", calls, err)
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		slow := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := slow.Do(ctx, "test", func(ctx context.Context) error { return transient }, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}
