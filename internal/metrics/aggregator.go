// Package metrics accumulates validation result statistics in memory:
// totals, per-type breakdowns, trend buckets, and threshold alerts.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/provato/provato/internal/validation"
)

// Alert thresholds. Breaches are reported by Alerts.
const (
	maxErrorRate          = 0.10
	minSuccessRate        = 0.80
	maxAvgDurationSeconds = 5.0
	minAvgScore           = 70.0
)

const defaultResetInterval = 24 * time.Hour

type counters struct {
	total       int
	passed      int
	failed      int
	errored     int
	durationSum time.Duration
	durationMin time.Duration
	durationMax time.Duration
	scoreSum    float64
	scoreCount  int
	scoreMin    float64
	scoreMax    float64
}

func (c *counters) record(status validation.ResultStatus, duration time.Duration, score *float64) {
	c.total++
	switch status {
	case validation.ResultPassed:
		c.passed++
	case validation.ResultFailed:
		c.failed++
	case validation.ResultError:
		c.errored++
	}
	c.durationSum += duration
	if c.total == 1 || duration < c.durationMin {
		c.durationMin = duration
	}
	if duration > c.durationMax {
		c.durationMax = duration
	}
	if score != nil {
		c.scoreSum += *score
		c.scoreCount++
		if c.scoreCount == 1 || *score < c.scoreMin {
			c.scoreMin = *score
		}
		if c.scoreCount == 1 || *score > c.scoreMax {
			c.scoreMax = *score
		}
	}
}

// TrendBucket aggregates results that landed in one time bucket.
type TrendBucket struct {
	Total       int
	Succeeded   int
	DurationSum time.Duration
	ScoreSum    float64
	ScoreCount  int
}

// Granularity selects a trend resolution.
type Granularity string

const (
	TrendHourly Granularity = "hourly"
	TrendDaily  Granularity = "daily"
	TrendWeekly Granularity = "weekly"
)

// TrendPoint is one bucket of a trend series, oldest first.
type TrendPoint struct {
	Bucket      string
	Total       int
	SuccessRate float64
	AvgDuration time.Duration
	AvgScore    float64
}

// TypeSummary is the per-target-type slice of a Summary.
type TypeSummary struct {
	Total       int
	Passed      int
	Failed      int
	Errored     int
	SuccessRate float64
	AvgDuration time.Duration
	AvgScore    float64
	ScoreCount  int
}

// Summary is a snapshot of the current window.
type Summary struct {
	WindowStart time.Time
	Total       int
	Passed      int
	Failed      int
	Errored     int
	SuccessRate float64
	ErrorRate   float64
	AvgDuration time.Duration
	MinDuration time.Duration
	MaxDuration time.Duration
	AvgScore    float64
	ScoreCount  int
	ByType      map[validation.TargetType]TypeSummary
}

// Alert reports one threshold breach.
type Alert struct {
	Kind      string  `json:"kind"`
	Message   string  `json:"message"`
	Threshold float64 `json:"threshold"`
	Current   float64 `json:"current"`
}

// Options configures an Aggregator.
type Options struct {
	// ResetInterval drives RunResetLoop when no schedule is set.
	// Zero means 24h.
	ResetInterval time.Duration
	// ResetSchedule is an optional cron expression. When set it wins
	// over ResetInterval.
	ResetSchedule string
	// Now is a clock hook for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// Aggregator is a mutex-guarded accumulator of validation results.
type Aggregator struct {
	mu            sync.Mutex
	logger        *slog.Logger
	now           func() time.Time
	resetInterval time.Duration
	schedule      cron.Schedule

	windowStart time.Time
	overall     counters
	byType      map[validation.TargetType]*counters
	hourly      map[string]*TrendBucket
	daily       map[string]*TrendBucket
	weekly      map[string]*TrendBucket
}

// New builds an aggregator with a fresh window.
func New(opts Options) (*Aggregator, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.ResetInterval
	if interval <= 0 {
		interval = defaultResetInterval
	}
	var schedule cron.Schedule
	if opts.ResetSchedule != "" {
		parsed, err := cron.ParseStandard(opts.ResetSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse reset schedule %q: %w", opts.ResetSchedule, err)
		}
		schedule = parsed
	}
	a := &Aggregator{
		logger:        logger,
		now:           now,
		resetInterval: interval,
		schedule:      schedule,
	}
	a.reset()
	return a, nil
}

// Record folds one terminal result into the window. score may be nil for
// results that never produced one.
func (a *Aggregator) Record(target validation.TargetType, status validation.ResultStatus, duration time.Duration, score *float64) {
	now := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.overall.record(status, duration, score)
	tc, ok := a.byType[target]
	if !ok {
		tc = &counters{}
		a.byType[target] = tc
	}
	tc.record(status, duration, score)

	succeeded := status == validation.ResultPassed
	bumpBucket(a.hourly, now.Format("2006-01-02T15"), succeeded, duration, score)
	bumpBucket(a.daily, now.Format("2006-01-02"), succeeded, duration, score)
	bumpBucket(a.weekly, weeklyKey(now), succeeded, duration, score)
}

func bumpBucket(buckets map[string]*TrendBucket, key string, succeeded bool, duration time.Duration, score *float64) {
	bucket, ok := buckets[key]
	if !ok {
		bucket = &TrendBucket{}
		buckets[key] = bucket
	}
	bucket.Total++
	if succeeded {
		bucket.Succeeded++
	}
	bucket.DurationSum += duration
	if score != nil {
		bucket.ScoreSum += *score
		bucket.ScoreCount++
	}
}

func weeklyKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Summary snapshots the current window.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		WindowStart: a.windowStart,
		Total:       a.overall.total,
		Passed:      a.overall.passed,
		Failed:      a.overall.failed,
		Errored:     a.overall.errored,
		MinDuration: a.overall.durationMin,
		MaxDuration: a.overall.durationMax,
		ScoreCount:  a.overall.scoreCount,
		ByType:      make(map[validation.TargetType]TypeSummary, len(a.byType)),
	}
	if a.overall.total > 0 {
		s.SuccessRate = float64(a.overall.passed) / float64(a.overall.total)
		s.ErrorRate = float64(a.overall.errored) / float64(a.overall.total)
		s.AvgDuration = a.overall.durationSum / time.Duration(a.overall.total)
	}
	if a.overall.scoreCount > 0 {
		s.AvgScore = a.overall.scoreSum / float64(a.overall.scoreCount)
	}
	for target, c := range a.byType {
		ts := TypeSummary{
			Total:      c.total,
			Passed:     c.passed,
			Failed:     c.failed,
			Errored:    c.errored,
			ScoreCount: c.scoreCount,
		}
		if c.total > 0 {
			ts.SuccessRate = float64(c.passed) / float64(c.total)
			ts.AvgDuration = c.durationSum / time.Duration(c.total)
		}
		if c.scoreCount > 0 {
			ts.AvgScore = c.scoreSum / float64(c.scoreCount)
		}
		s.ByType[target] = ts
	}
	return s
}

// Alerts evaluates the window against the fixed thresholds. An empty
// window never alerts.
func (a *Aggregator) Alerts() []Alert {
	s := a.Summary()
	if s.Total == 0 {
		return nil
	}

	var alerts []Alert
	if s.ErrorRate > maxErrorRate {
		alerts = append(alerts, Alert{
			Kind:      "error_rate",
			Message:   fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", s.ErrorRate*100, maxErrorRate*100),
			Threshold: maxErrorRate,
			Current:   s.ErrorRate,
		})
	}
	if s.SuccessRate < minSuccessRate {
		alerts = append(alerts, Alert{
			Kind:      "success_rate",
			Message:   fmt.Sprintf("success rate %.1f%% below %.1f%%", s.SuccessRate*100, minSuccessRate*100),
			Threshold: minSuccessRate,
			Current:   s.SuccessRate,
		})
	}
	if s.AvgDuration.Seconds() > maxAvgDurationSeconds {
		alerts = append(alerts, Alert{
			Kind:      "avg_duration",
			Message:   fmt.Sprintf("average duration %.2fs exceeds %.0fs", s.AvgDuration.Seconds(), maxAvgDurationSeconds),
			Threshold: maxAvgDurationSeconds,
			Current:   s.AvgDuration.Seconds(),
		})
	}
	if s.ScoreCount > 0 && s.AvgScore < minAvgScore {
		alerts = append(alerts, Alert{
			Kind:      "avg_score",
			Message:   fmt.Sprintf("average score %.1f below %.0f", s.AvgScore, minAvgScore),
			Threshold: minAvgScore,
			Current:   s.AvgScore,
		})
	}
	return alerts
}

// Trend returns the requested series sorted by bucket key, oldest first.
func (a *Aggregator) Trend(granularity Granularity) []TrendPoint {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buckets map[string]*TrendBucket
	switch granularity {
	case TrendHourly:
		buckets = a.hourly
	case TrendDaily:
		buckets = a.daily
	case TrendWeekly:
		buckets = a.weekly
	default:
		return nil
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]TrendPoint, 0, len(keys))
	for _, key := range keys {
		bucket := buckets[key]
		point := TrendPoint{Bucket: key, Total: bucket.Total}
		if bucket.Total > 0 {
			point.SuccessRate = float64(bucket.Succeeded) / float64(bucket.Total)
			point.AvgDuration = bucket.DurationSum / time.Duration(bucket.Total)
		}
		if bucket.ScoreCount > 0 {
			point.AvgScore = bucket.ScoreSum / float64(bucket.ScoreCount)
		}
		out = append(out, point)
	}
	return out
}

// Reset clears all counters and restamps the window.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

func (a *Aggregator) reset() {
	a.windowStart = a.now().UTC()
	a.overall = counters{}
	a.byType = map[validation.TargetType]*counters{}
	a.hourly = map[string]*TrendBucket{}
	a.daily = map[string]*TrendBucket{}
	a.weekly = map[string]*TrendBucket{}
}

// RunResetLoop resets the window on the configured cadence until the
// context ends. Blocks; run it in its own goroutine.
func (a *Aggregator) RunResetLoop(ctx context.Context) {
	if a.schedule != nil {
		for {
			next := a.schedule.Next(a.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				a.Reset()
				a.logger.Info("metrics window reset", "next", a.schedule.Next(a.now()).Format(time.RFC3339))
			}
		}
	}

	ticker := time.NewTicker(a.resetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Reset()
			a.logger.Info("metrics window reset", "interval", a.resetInterval.String())
		}
	}
}
