package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_EventualSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_AllAttemptsFail(t *testing.T) {
	attempts := 0
	expected := errors.New("persistent error")
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Errorf("err = %v, want %v", err, expected)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("quota exhausted")
	attempts := 0
	err := Do(context.Background(), Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, Policy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond}, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if attempts > 2 {
		t.Errorf("attempts = %d, want at most 2", attempts)
	}
}

func TestDo_InvalidMaxAttempts(t *testing.T) {
	err := Do(context.Background(), Policy{}, func() error { return nil })
	if !errors.Is(err, ErrInvalidMaxAttempts) {
		t.Errorf("err = %v, want ErrInvalidMaxAttempts", err)
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	cases := []struct {
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{0, 1, base},
		{0, 3, 400 * time.Millisecond},
		{300 * time.Millisecond, 3, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := Backoff(base, tc.max, tc.attempt); got != tc.want {
			t.Errorf("Backoff(%s, %s, %d) = %s, want %s", base, tc.max, tc.attempt, got, tc.want)
		}
	}
}
