package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastPolicy = RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	var waits []time.Duration
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTest
		}
		return nil
	}, func(err error, wait time.Duration) {
		if !errors.Is(err, errTest) {
			t.Errorf("notify err = %v", err)
		}
		waits = append(waits, wait)
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 || len(waits) != 2 {
		t.Errorf("attempts = %d waits = %d, want 3 and 2", attempts, len(waits))
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy, func(context.Context) error {
		attempts++
		return Permanent(errTest)
	}, nil)
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if !IsPermanent(err) || !errors.Is(err, errTest) {
		t.Errorf("err = %v, want permanent errTest", err)
	}
}

func TestRetry_MaxAttempts(t *testing.T) {
	attempts := 0
	policy := fastPolicy
	policy.MaxAttempts = 4
	err := Retry(context.Background(), policy, func(context.Context) error {
		attempts++
		return errTest
	}, nil)
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want errTest", err)
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, RetryPolicy{InitialInterval: time.Hour}, func(context.Context) error {
		attempts++
		cancel()
		return errTest
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
	if IsPermanent(errTest) {
		t.Error("plain errors are not permanent")
	}
}
