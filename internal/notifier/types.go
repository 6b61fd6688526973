// Package notifier delivers metric threshold alerts to configured
// channels: email, webhook, and slack.
package notifier

import (
	"context"
	"time"

	"github.com/provato/provato/internal/render"
)

// Event represents one alert dispatch.
type Event struct {
	// Kind is the breached threshold: error_rate, success_rate,
	// avg_duration, or avg_score.
	Kind        string
	Severity    string
	Summary     string
	Threshold   float64
	Current     float64
	SuiteID     string
	ExecutionID string
	Environment string
	OccurredAt  time.Time
}

// Notifier represents a delivery mechanism.
type Notifier interface {
	ID() string
	Notify(ctx context.Context, event Event) error
}

// Factory builds notifiers based on config.
type Factory struct {
	Secrets map[string]string
	Render  *render.Engine
}
