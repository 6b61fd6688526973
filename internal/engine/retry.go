package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/provato/provato/internal/validator"
)

// RetryPolicy bounds validator attempts: one initial try plus
// MaxRetries extra, with exponential backoff between them.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Delay is the backoff slept after the failed attempt with the given
// zero-based index: base doubled per failure.
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 0 {
		failedAttempt = 0
	}
	if failedAttempt > 32 {
		failedAttempt = 32
	}
	return p.BaseDelay << uint(failedAttempt)
}

// attemptResult tags the outcome of a retry run: the settled outcome on
// success, or the count of attempts made and the last error seen.
type attemptResult struct {
	outcome  *validator.Outcome
	attempts int
	err      error
}

// runWithRetry drives attempt under the policy. Backoff sleeps honor
// the context; cancellation stops retrying and the last attempt's error
// stands.
func runWithRetry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, testID string, attempt func(context.Context) (*validator.Outcome, error)) attemptResult {
	var run attemptResult
	for i := 0; i <= policy.MaxRetries; i++ {
		if i > 0 {
			delay := policy.Delay(i - 1)
			logger.Warn("validator attempt failed, retrying",
				"test_id", testID,
				"attempt", i,
				"max_retries", policy.MaxRetries,
				"backoff", delay.String(),
				"error", run.err)
			if !sleepCtx(ctx, delay) {
				return run
			}
		}
		run.attempts++
		outcome, err := attempt(ctx)
		if err == nil {
			run.outcome = outcome
			run.err = nil
			return run
		}
		run.err = err
		if ctx.Err() != nil {
			return run
		}
	}
	return run
}

// sleepCtx waits for d or the context, reporting whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
