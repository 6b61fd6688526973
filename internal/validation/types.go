package validation

import (
	"fmt"
	"strings"
	"time"
)

// TargetType categorizes the artifact a test checks.
type TargetType string

const (
	TargetModelOutput  TargetType = "model-output"
	TargetCodeFunction TargetType = "code-function"
	TargetAPIEndpoint  TargetType = "api-endpoint"
	TargetDataPipeline TargetType = "data-pipeline"
	TargetUIComponent  TargetType = "ui-component"
)

// TargetTypes lists every known target type in registration order.
func TargetTypes() []TargetType {
	return []TargetType{
		TargetModelOutput,
		TargetCodeFunction,
		TargetAPIEndpoint,
		TargetDataPipeline,
		TargetUIComponent,
	}
}

// ParseTargetType normalizes a raw string into a TargetType.
func ParseTargetType(raw string) (TargetType, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	for _, t := range TargetTypes() {
		if TargetType(normalized) == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target type %q", raw)
}

// Valid reports whether the target type is one of the known values.
func (t TargetType) Valid() bool {
	_, err := ParseTargetType(string(t))
	return err == nil
}

// Priority orders tests within a suite.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric weight of a priority; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority normalizes a raw string into a Priority.
func ParsePriority(raw string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", raw)
}

// ResultStatus tracks a test result through its lifecycle.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultRunning ResultStatus = "running"
	ResultPassed  ResultStatus = "passed"
	ResultFailed  ResultStatus = "failed"
	ResultError   ResultStatus = "error"
)

// Terminal reports whether the status ends the result lifecycle.
func (s ResultStatus) Terminal() bool {
	switch s {
	case ResultPassed, ResultFailed, ResultError:
		return true
	}
	return false
}

// ExecutionStatus tracks a suite execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Test is one checkable unit loaded for execution.
type Test struct {
	ID         string
	Name       string
	TargetType TargetType
	Priority   Priority
	Definition map[string]any
	Expected   map[string]any
	// Timeout bounds each validator attempt; zero falls back to the engine default.
	Timeout time.Duration
	// MaxRetries overrides the engine retry policy when non-nil.
	MaxRetries *int
	CreatedAt  time.Time
}

// Result is one test's outcome within one execution.
type Result struct {
	ExecutionID string
	TestID      string
	Status      ResultStatus
	Score       float64
	MaxScore    float64
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Attempts    int
	Details     map[string]any
	Err         error
}

// ErrorMessage renders the captured error, empty when the result succeeded.
func (r *Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
