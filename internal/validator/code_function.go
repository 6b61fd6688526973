package validator

import (
	"context"
	"math/rand"
	"time"
)

// CodeFunction scores function implementations with simulated analysis.
type CodeFunction struct{}

// NewCodeFunction creates the code-function validator.
func NewCodeFunction() *CodeFunction {
	return &CodeFunction{}
}

func (v *CodeFunction) Validate(ctx context.Context, definition, expected map[string]any) (*Outcome, error) {
	if err := simulateDelay(ctx, definition, 100*time.Millisecond, 300*time.Millisecond); err != nil {
		return nil, err
	}
	score := 70 + rand.Float64()*30
	return &Outcome{
		Status:   statusFor(score, 75),
		Score:    score,
		MaxScore: 100,
		Details: map[string]any{
			"code_analysis": "Function implementation meets requirements",
			"test_coverage": score,
			"simulated":     true,
		},
	}, nil
}
