package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tailored-agentic-units/fabric/retry"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestPolicy_SucceedsEventually(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPolicy_BudgetExhausted(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errFlaky
	})

	if !errors.Is(err, retry.ErrBudgetExhausted) {
		t.Errorf("Do() error = %v, want ErrBudgetExhausted", err)
	}
	if !errors.Is(err, errFlaky) {
		t.Errorf("Do() error should wrap the last attempt error, got %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want exactly MaxAttempts", calls)
	}
}

func TestPolicy_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return retry.Permanent{Err: errFlaky}
	})

	if !errors.Is(err, errFlaky) {
		t.Errorf("Do() error = %v, want wrapped permanent error", err)
	}
	if errors.Is(err, retry.ErrBudgetExhausted) {
		t.Error("permanent error should not be reported as budget exhaustion")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	policy := retry.Policy{MaxAttempts: 100, BaseDelay: 50 * time.Millisecond}
	errCh := make(chan error, 1)
	go func() {
		errCh <- policy.Do(ctx, func(ctx context.Context) error {
			calls++
			return errFlaky
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do() did not return after cancellation")
	}
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := retry.Policy{}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
