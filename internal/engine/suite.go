package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/provato/provato/internal/validation"
)

// SuiteReport summarizes one suite execution.
type SuiteReport struct {
	ExecutionID string
	SuiteID     string
	Status      validation.ExecutionStatus
	TotalTests  int
	Passed      int
	Failed      int
	Errored     int
	StartedAt   time.Time
	CompletedAt time.Time
	Results     []*validation.Result
}

// RunSuite loads the suite's active tests and drives them to terminal
// results. Per-test errors are isolated from siblings; the execution
// fails only when a result errors or the suite is empty. The execution
// record always reaches a terminal status.
func (e *Engine) RunSuite(ctx context.Context, executionID, suiteID string) (*SuiteReport, error) {
	started := time.Now().UTC()
	report := &SuiteReport{
		ExecutionID: executionID,
		SuiteID:     suiteID,
		Status:      validation.ExecutionFailed,
		StartedAt:   started,
	}

	tests, err := e.store.LoadActiveTests(ctx, suiteID)
	if err != nil {
		report.CompletedAt = e.setExecutionStatus(executionID, validation.ExecutionFailed, true)
		return report, fmt.Errorf("load active tests for suite %s: %w", suiteID, err)
	}
	if len(tests) == 0 {
		report.CompletedAt = e.setExecutionStatus(executionID, validation.ExecutionFailed, true)
		e.logger.Error("suite has no active tests", "execution_id", executionID, "suite_id", suiteID)
		return report, &validation.SuiteEmptyError{SuiteID: suiteID}
	}

	sortByPriority(tests)
	e.setExecutionStatus(executionID, validation.ExecutionRunning, false)
	e.logger.Info("suite execution started",
		"execution_id", executionID,
		"suite_id", suiteID,
		"tests", len(tests),
		"parallel", e.opts.Parallel)

	var outcomes []TestOutcome
	if e.opts.Parallel {
		outcomes = e.ExecuteMany(ctx, executionID, tests)
	} else {
		outcomes = make([]TestOutcome, len(tests))
		for i, test := range tests {
			result, err := e.ExecuteTest(ctx, executionID, test)
			outcomes[i] = TestOutcome{Result: result, Err: err}
		}
	}

	report.TotalTests = len(outcomes)
	report.Results = make([]*validation.Result, len(outcomes))
	for i, outcome := range outcomes {
		report.Results[i] = outcome.Result
		switch outcome.Result.Status {
		case validation.ResultPassed:
			report.Passed++
		case validation.ResultFailed:
			report.Failed++
		case validation.ResultError:
			report.Errored++
		}
	}

	status := validation.ExecutionCompleted
	if report.Errored > 0 {
		status = validation.ExecutionFailed
	}
	report.Status = status
	report.CompletedAt = e.setExecutionStatus(executionID, status, true)

	e.logger.Info("suite execution finished",
		"execution_id", executionID,
		"suite_id", suiteID,
		"status", string(status),
		"total", report.TotalTests,
		"passed", report.Passed,
		"failed", report.Failed,
		"errored", report.Errored,
		"duration", report.CompletedAt.Sub(started).String())
	return report, nil
}

// sortByPriority orders critical before high before medium before low,
// keeping the store's creation order within each rank.
func sortByPriority(tests []validation.Test) {
	sort.SliceStable(tests, func(i, j int) bool {
		return tests[i].Priority.Rank() > tests[j].Priority.Rank()
	})
}

// setExecutionStatus persists an execution transition, returning the
// completion timestamp for terminal states. Failures are logged only.
func (e *Engine) setExecutionStatus(executionID string, status validation.ExecutionStatus, terminal bool) time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var completedAt *time.Time
	now := time.Now().UTC()
	if terminal {
		completedAt = &now
	}
	if err := e.store.SetExecutionStatus(ctx, executionID, status, completedAt); err != nil {
		e.logger.Error("failed to persist execution status",
			"execution_id", executionID,
			"status", string(status),
			"error", err)
	}
	return now
}
