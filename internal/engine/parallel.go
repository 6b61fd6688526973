package engine

import (
	"context"
	"sync"

	"github.com/provato/provato/internal/validation"
)

// TestOutcome pairs a test's result with the error ExecuteTest returned
// for it, so batch callers never lose a failure.
type TestOutcome struct {
	Result *validation.Result
	Err    error
}

// ExecuteMany runs tests in chunks of MaxConcurrent goroutines. Every
// test in a chunk settles before the next chunk starts. The returned
// slice matches the input order, one entry per test, failures included.
func (e *Engine) ExecuteMany(ctx context.Context, executionID string, tests []validation.Test) []TestOutcome {
	out := make([]TestOutcome, len(tests))
	chunk := e.opts.MaxConcurrent

	for start := 0; start < len(tests); start += chunk {
		end := start + chunk
		if end > len(tests) {
			end = len(tests)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				result, err := e.ExecuteTest(ctx, executionID, tests[idx])
				out[idx] = TestOutcome{Result: result, Err: err}
			}(i)
		}
		wg.Wait()
	}
	return out
}
