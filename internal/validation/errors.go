package validation

import (
	"errors"
	"fmt"
	"time"
)

// ErrPluginNotFound signals an operation against a plugin name that was
// never registered or was already removed.
var ErrPluginNotFound = errors.New("plugin not found")

// ConfigurationError means the test itself is unusable: no validator is
// known for its target type. It is never retried.
type ConfigurationError struct {
	TargetType TargetType
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no validator found for target type %q", e.TargetType)
}

// ValidatorError wraps a failure raised by a validator while checking a test.
type ValidatorError struct {
	TestID   string
	Attempts int
	Err      error
}

func (e *ValidatorError) Error() string {
	return fmt.Sprintf("validator failed for test %s after %d attempt(s): %v", e.TestID, e.Attempts, e.Err)
}

func (e *ValidatorError) Unwrap() error {
	return e.Err
}

// TimeoutError marks an attempt that exceeded the test's time budget.
type TimeoutError struct {
	TestID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("test %s timed out after %s", e.TestID, e.Timeout)
}

// PluginValidationError rejects a plugin at registration or enablement time.
type PluginValidationError struct {
	Plugin string
	Reason string
}

func (e *PluginValidationError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("invalid plugin: %s", e.Reason)
	}
	return fmt.Sprintf("invalid plugin %q: %s", e.Plugin, e.Reason)
}

// SuiteEmptyError means a suite resolved to zero active tests.
type SuiteEmptyError struct {
	SuiteID string
}

func (e *SuiteEmptyError) Error() string {
	return fmt.Sprintf("suite %s has no active tests", e.SuiteID)
}
