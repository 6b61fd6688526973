package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/provato/provato/internal/validation"
	"github.com/provato/provato/internal/validator"
)

func TestRetryPolicyDelayDoubles(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}
	cases := []struct {
		failedAttempt int
		want          time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{-1, time.Second},
	}
	for _, tc := range cases {
		if got := policy.Delay(tc.failedAttempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.failedAttempt, got, tc.want)
		}
	}
}

func TestRunWithRetryBacksOffBetweenAttempts(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 15 * time.Millisecond}
	start := time.Now()
	run := runWithRetry(context.Background(), policy, quietLogger(), "t-1",
		func(context.Context) (*validator.Outcome, error) {
			return nil, errors.New("down")
		})
	elapsed := time.Since(start)

	if run.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", run.attempts)
	}
	if run.err == nil || run.outcome != nil {
		t.Errorf("expected exhaustion, got %+v", run)
	}
	// Sleeps of 15ms then 30ms must both have elapsed.
	if elapsed < 45*time.Millisecond {
		t.Errorf("expected at least 45ms of backoff, took %s", elapsed)
	}
}

func TestRunWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond}

	calls := 0
	run := runWithRetry(ctx, policy, quietLogger(), "t-1",
		func(context.Context) (*validator.Outcome, error) {
			calls++
			cancel()
			return nil, errors.New("interrupted")
		})

	if calls != 1 || run.attempts != 1 {
		t.Errorf("expected a single attempt after cancel, got calls=%d attempts=%d", calls, run.attempts)
	}
	if run.err == nil || run.err.Error() != "interrupted" {
		t.Errorf("expected the attempt error to stand, got %v", run.err)
	}
}

func TestRunWithRetryFirstTrySuccessSkipsSleep(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}
	start := time.Now()
	run := runWithRetry(context.Background(), policy, quietLogger(), "t-1",
		func(context.Context) (*validator.Outcome, error) {
			return &validator.Outcome{Status: validation.ResultPassed, Score: 100, MaxScore: 100}, nil
		})
	if time.Since(start) > time.Second {
		t.Fatal("success must not sleep")
	}
	if run.attempts != 1 || run.err != nil || run.outcome == nil {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestSleepCtx(t *testing.T) {
	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Error("expected full sleep to report true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Hour) {
		t.Error("expected cancelled sleep to report false")
	}
	if sleepCtx(ctx, 0) {
		t.Error("zero sleep on a cancelled context must report false")
	}
	if !sleepCtx(context.Background(), 0) {
		t.Error("zero sleep on a live context must report true")
	}
}
