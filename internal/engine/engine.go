// Package engine coordinates test execution: validator resolution,
// retries, per-attempt timeouts, persistence, and metrics emission.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/provato/provato/internal/validation"
	"github.com/provato/provato/internal/validator"
)

// Defaults applied by Options.normalize for unset fields.
const (
	DefaultBaseDelay     = time.Second
	DefaultMaxConcurrent = 10
	DefaultTimeout       = 5 * time.Minute

	persistTimeout = 5 * time.Second
)

// ResultUpdate carries the fields persisted alongside a result status
// transition. Pointer fields are written only when non-nil.
type ResultUpdate struct {
	Score        *float64
	MaxScore     *float64
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Duration     *time.Duration
	Attempts     int
	Details      map[string]any
	ErrorMessage string
}

// Store is the persistence surface the engine depends on.
// LoadActiveTests returns tests ordered by creation time.
type Store interface {
	LoadActiveTests(ctx context.Context, suiteID string) ([]validation.Test, error)
	SetResultStatus(ctx context.Context, executionID, testID string, status validation.ResultStatus, update ResultUpdate) error
	SetExecutionStatus(ctx context.Context, executionID string, status validation.ExecutionStatus, completedAt *time.Time) error
}

// Resolver yields a plugin-backed validator for a target type, or nil
// when no enabled plugin claims it.
type Resolver interface {
	Resolve(target validation.TargetType) validator.Validator
}

// Recorder receives one record per terminal result.
type Recorder interface {
	Record(target validation.TargetType, status validation.ResultStatus, duration time.Duration, score *float64)
}

// Sink receives a flat tuple per terminal result, for external metric
// forwarders.
type Sink interface {
	Observe(target validation.TargetType, status validation.ResultStatus, durationSeconds float64)
}

// Options tunes execution behavior.
type Options struct {
	// Retry bounds validator attempts. MaxRetries zero means a single
	// attempt; callers resolve their own defaults upstream.
	Retry RetryPolicy
	// MaxConcurrent is the chunk size for ExecuteMany.
	MaxConcurrent int
	// DefaultTimeout bounds each attempt when the test sets none.
	DefaultTimeout time.Duration
	// Parallel makes RunSuite execute in chunks instead of sequentially.
	Parallel bool
}

func (o Options) normalize() Options {
	if o.Retry.MaxRetries < 0 {
		o.Retry.MaxRetries = 0
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = DefaultBaseDelay
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	return o
}

// Engine runs tests and records their outcomes.
type Engine struct {
	store    Store
	registry Resolver
	builtins map[validation.TargetType]validator.Validator
	recorder Recorder
	sink     Sink
	logger   *slog.Logger
	opts     Options
}

// New constructs an engine. store is required; registry, recorder, and
// sink may be nil when the concern is unused.
func New(store Store, registry Resolver, builtins map[validation.TargetType]validator.Validator, recorder Recorder, sink Sink, logger *slog.Logger, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if builtins == nil {
		builtins = map[validation.TargetType]validator.Validator{}
	}
	return &Engine{
		store:    store,
		registry: registry,
		builtins: builtins,
		recorder: recorder,
		sink:     sink,
		logger:   logger,
		opts:     opts.normalize(),
	}, nil
}

// ExecuteTest drives one test to a terminal result. A returned error
// means the result errored (no validator, or retries exhausted); a
// failed verdict is a successful execution and returns nil.
func (e *Engine) ExecuteTest(ctx context.Context, executionID string, test validation.Test) (*validation.Result, error) {
	started := time.Now().UTC()
	result := &validation.Result{
		ExecutionID: executionID,
		TestID:      test.ID,
		Status:      validation.ResultRunning,
		MaxScore:    100,
		StartedAt:   started,
	}
	e.persistResult(result, ResultUpdate{StartedAt: &started})

	v := e.resolveValidator(test.TargetType)
	if v == nil {
		err := &validation.ConfigurationError{TargetType: test.TargetType}
		e.finalize(result, test, nil, 0, err)
		return result, err
	}

	timeout := e.effectiveTimeout(test)
	run := runWithRetry(ctx, e.effectivePolicy(test), e.logger, test.ID, func(actx context.Context) (*validator.Outcome, error) {
		return e.attempt(actx, test, v, timeout)
	})
	var ve *validation.ValidatorError
	if errors.As(run.err, &ve) {
		ve.Attempts = run.attempts
	}

	e.finalize(result, test, run.outcome, run.attempts, run.err)
	if run.err != nil {
		return result, run.err
	}
	return result, nil
}

// resolveValidator prefers enabled plugins over built-ins.
func (e *Engine) resolveValidator(target validation.TargetType) validator.Validator {
	if e.registry != nil {
		if v := e.registry.Resolve(target); v != nil {
			return v
		}
	}
	return e.builtins[target]
}

// attempt runs one validator call under the per-test timeout. A
// deadline hit the parent did not cause maps to TimeoutError.
func (e *Engine) attempt(ctx context.Context, test validation.Test, v validator.Validator, timeout time.Duration) (*validator.Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := v.Validate(actx, test.Definition, test.Expected)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &validation.TimeoutError{TestID: test.ID, Timeout: timeout}
		}
		return nil, &validation.ValidatorError{TestID: test.ID, Err: err}
	}
	if outcome == nil {
		return nil, &validation.ValidatorError{TestID: test.ID, Err: errors.New("validator returned no outcome")}
	}
	if outcome.Status != validation.ResultPassed && outcome.Status != validation.ResultFailed {
		return nil, &validation.ValidatorError{TestID: test.ID, Err: errors.New("validator returned status " + string(outcome.Status))}
	}
	return outcome, nil
}

// finalize stamps the terminal state, persists it, and emits metrics.
func (e *Engine) finalize(result *validation.Result, test validation.Test, outcome *validator.Outcome, attempts int, runErr error) {
	completed := time.Now().UTC()
	result.CompletedAt = completed
	result.Duration = completed.Sub(result.StartedAt)
	result.Attempts = attempts

	var score *float64
	update := ResultUpdate{
		StartedAt:   &result.StartedAt,
		CompletedAt: &completed,
		Duration:    &result.Duration,
		Attempts:    attempts,
	}
	if runErr != nil {
		result.Status = validation.ResultError
		result.Err = runErr
		update.ErrorMessage = runErr.Error()
	} else {
		result.Status = outcome.Status
		result.Score = outcome.Score
		result.MaxScore = outcome.MaxScore
		result.Details = outcome.Details
		update.Score = &result.Score
		update.MaxScore = &result.MaxScore
		update.Details = outcome.Details
		score = &result.Score
	}

	e.persistResult(result, update)
	if e.recorder != nil {
		e.recorder.Record(test.TargetType, result.Status, result.Duration, score)
	}
	if e.sink != nil {
		e.sink.Observe(test.TargetType, result.Status, result.Duration.Seconds())
	}

	attrs := []any{
		"execution_id", result.ExecutionID,
		"test_id", test.ID,
		"type", string(test.TargetType),
		"status", string(result.Status),
		"attempts", attempts,
		"duration", result.Duration.String(),
	}
	if runErr != nil {
		attrs = append(attrs, "error", runErr.Error())
		e.logger.Error("test errored", attrs...)
		return
	}
	attrs = append(attrs, "score", result.Score)
	e.logger.Info("test completed", attrs...)
}

// persistResult writes a status transition. Failures are logged, never
// propagated; execution continues on a best-effort record.
func (e *Engine) persistResult(result *validation.Result, update ResultUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SetResultStatus(ctx, result.ExecutionID, result.TestID, result.Status, update); err != nil {
		e.logger.Error("failed to persist result status",
			"execution_id", result.ExecutionID,
			"test_id", result.TestID,
			"status", string(result.Status),
			"error", err)
	}
}

func (e *Engine) effectiveTimeout(test validation.Test) time.Duration {
	if test.Timeout > 0 {
		return test.Timeout
	}
	return e.opts.DefaultTimeout
}

func (e *Engine) effectivePolicy(test validation.Test) RetryPolicy {
	policy := e.opts.Retry
	if test.MaxRetries != nil && *test.MaxRetries >= 0 {
		policy.MaxRetries = *test.MaxRetries
	}
	return policy
}
