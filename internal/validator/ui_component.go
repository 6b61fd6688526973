package validator

import (
	"context"
	"math/rand"
	"time"
)

// UIComponent scores rendered component checks with simulated analysis.
type UIComponent struct{}

// NewUIComponent creates the ui-component validator.
func NewUIComponent() *UIComponent {
	return &UIComponent{}
}

func (v *UIComponent) Validate(ctx context.Context, definition, expected map[string]any) (*Outcome, error) {
	if err := simulateDelay(ctx, definition, 800*time.Millisecond, 2000*time.Millisecond); err != nil {
		return nil, err
	}
	score := 85 + rand.Float64()*15
	return &Outcome{
		Status:   statusFor(score, 90),
		Score:    score,
		MaxScore: 100,
		Details: map[string]any{
			"visual_score":        score,
			"accessibility_score": 95.0,
			"performance_score":   88.0,
			"responsiveness":      "passed",
			"simulated":           true,
		},
	}, nil
}
