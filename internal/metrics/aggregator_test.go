package metrics

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/provato/provato/internal/validation"
)

func floatPtr(v float64) *float64 { return &v }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAggregator(t *testing.T, opts Options) *Aggregator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return a
}

func TestSummaryMath(t *testing.T) {
	a := newAggregator(t, Options{})

	a.Record(validation.TargetCodeFunction, validation.ResultPassed, 100*time.Millisecond, floatPtr(90))
	a.Record(validation.TargetCodeFunction, validation.ResultFailed, 300*time.Millisecond, floatPtr(40))
	a.Record(validation.TargetAPIEndpoint, validation.ResultError, 200*time.Millisecond, nil)
	a.Record(validation.TargetAPIEndpoint, validation.ResultPassed, 200*time.Millisecond, floatPtr(80))

	s := a.Summary()
	if s.Total != 4 || s.Passed != 2 || s.Failed != 1 || s.Errored != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %v", s.SuccessRate)
	}
	if s.ErrorRate != 0.25 {
		t.Errorf("expected error rate 0.25, got %v", s.ErrorRate)
	}
	if s.AvgDuration != 200*time.Millisecond {
		t.Errorf("expected avg duration 200ms, got %s", s.AvgDuration)
	}
	if s.MinDuration != 100*time.Millisecond || s.MaxDuration != 300*time.Millisecond {
		t.Errorf("unexpected duration extremes: %s / %s", s.MinDuration, s.MaxDuration)
	}
	if s.ScoreCount != 3 || s.AvgScore != 70 {
		t.Errorf("expected avg score 70 over 3 scores, got %v over %d", s.AvgScore, s.ScoreCount)
	}

	code := s.ByType[validation.TargetCodeFunction]
	if code.Total != 2 || code.Passed != 1 || code.Failed != 1 || code.SuccessRate != 0.5 {
		t.Errorf("unexpected code-function summary: %+v", code)
	}
	api := s.ByType[validation.TargetAPIEndpoint]
	if api.Total != 2 || api.Errored != 1 || api.AvgScore != 80 {
		t.Errorf("unexpected api-endpoint summary: %+v", api)
	}
}

func TestFreshWindowStaysQuiet(t *testing.T) {
	a := newAggregator(t, Options{})
	if alerts := a.Alerts(); len(alerts) != 0 {
		t.Errorf("expected no alerts on empty window, got %v", alerts)
	}
}

func TestAlertThresholds(t *testing.T) {
	record := func(a *Aggregator, status validation.ResultStatus, n int, d time.Duration, score *float64) {
		for i := 0; i < n; i++ {
			a.Record(validation.TargetCodeFunction, status, d, score)
		}
	}

	t.Run("boundaries are strict", func(t *testing.T) {
		a := newAggregator(t, Options{})
		record(a, validation.ResultPassed, 9, 50*time.Millisecond, nil)
		record(a, validation.ResultError, 1, 50*time.Millisecond, nil)
		for _, alert := range a.Alerts() {
			if alert.Kind == "error_rate" || alert.Kind == "success_rate" {
				t.Errorf("rate exactly at threshold must not alert: %+v", alert)
			}
		}
	})

	t.Run("error rate", func(t *testing.T) {
		a := newAggregator(t, Options{})
		record(a, validation.ResultPassed, 8, 50*time.Millisecond, nil)
		record(a, validation.ResultError, 2, 50*time.Millisecond, nil)
		alerts := a.Alerts()
		if len(alerts) != 1 || alerts[0].Kind != "error_rate" {
			t.Fatalf("expected single error_rate alert, got %v", alerts)
		}
		if alerts[0].Current != 0.2 || alerts[0].Threshold != 0.10 {
			t.Errorf("unexpected alert payload: %+v", alerts[0])
		}
	})

	t.Run("success rate counts only passes", func(t *testing.T) {
		a := newAggregator(t, Options{})
		record(a, validation.ResultPassed, 7, 50*time.Millisecond, nil)
		record(a, validation.ResultFailed, 3, 50*time.Millisecond, nil)
		alerts := a.Alerts()
		if len(alerts) != 1 || alerts[0].Kind != "success_rate" {
			t.Fatalf("expected single success_rate alert, got %v", alerts)
		}
	})

	t.Run("slow average duration", func(t *testing.T) {
		a := newAggregator(t, Options{})
		record(a, validation.ResultPassed, 2, 6*time.Second, nil)
		alerts := a.Alerts()
		if len(alerts) != 1 || alerts[0].Kind != "avg_duration" {
			t.Fatalf("expected single avg_duration alert, got %v", alerts)
		}
		if alerts[0].Current != 6 {
			t.Errorf("expected current 6s, got %v", alerts[0].Current)
		}
	})

	t.Run("low average score", func(t *testing.T) {
		a := newAggregator(t, Options{})
		record(a, validation.ResultPassed, 5, 50*time.Millisecond, floatPtr(65))
		alerts := a.Alerts()
		if len(alerts) != 1 || alerts[0].Kind != "avg_score" {
			t.Fatalf("expected single avg_score alert, got %v", alerts)
		}
	})

	t.Run("no scores means no score alert", func(t *testing.T) {
		a := newAggregator(t, Options{})
		record(a, validation.ResultPassed, 5, 50*time.Millisecond, nil)
		if alerts := a.Alerts(); len(alerts) != 0 {
			t.Errorf("expected no alerts without scores, got %v", alerts)
		}
	})
}

func TestResetClearsAlerts(t *testing.T) {
	a := newAggregator(t, Options{})
	for i := 0; i < 10; i++ {
		a.Record(validation.TargetUIComponent, validation.ResultError, 8*time.Second, floatPtr(10))
	}
	if len(a.Alerts()) == 0 {
		t.Fatal("expected alerts before reset")
	}

	before := a.Summary().WindowStart
	time.Sleep(5 * time.Millisecond)
	a.Reset()

	if alerts := a.Alerts(); len(alerts) != 0 {
		t.Errorf("expected no alerts after reset, got %v", alerts)
	}
	s := a.Summary()
	if s.Total != 0 || len(s.ByType) != 0 {
		t.Errorf("expected empty window after reset, got %+v", s)
	}
	if !s.WindowStart.After(before) {
		t.Errorf("expected window restamp, got %s then %s", before, s.WindowStart)
	}
}

func TestTrendBuckets(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 10, 0, 0, time.UTC)
	a := newAggregator(t, Options{Now: func() time.Time { return now }})

	a.Record(validation.TargetDataPipeline, validation.ResultPassed, 100*time.Millisecond, floatPtr(90))
	now = time.Date(2026, 8, 25, 14, 40, 0, 0, time.UTC)
	a.Record(validation.TargetDataPipeline, validation.ResultFailed, 300*time.Millisecond, floatPtr(50))
	now = time.Date(2026, 8, 25, 15, 5, 0, 0, time.UTC)
	a.Record(validation.TargetDataPipeline, validation.ResultPassed, 200*time.Millisecond, nil)
	now = time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	a.Record(validation.TargetDataPipeline, validation.ResultPassed, 200*time.Millisecond, nil)

	hourly := a.Trend(TrendHourly)
	if len(hourly) != 3 {
		t.Fatalf("expected 3 hourly buckets, got %v", hourly)
	}
	if hourly[0].Bucket != "2026-08-25T14" || hourly[1].Bucket != "2026-08-25T15" || hourly[2].Bucket != "2026-08-26T09" {
		t.Fatalf("unexpected hourly keys: %v", hourly)
	}
	if hourly[0].Total != 2 || hourly[0].SuccessRate != 0.5 {
		t.Errorf("unexpected first hourly bucket: %+v", hourly[0])
	}
	if hourly[0].AvgDuration != 200*time.Millisecond || hourly[0].AvgScore != 70 {
		t.Errorf("unexpected first hourly averages: %+v", hourly[0])
	}

	daily := a.Trend(TrendDaily)
	if len(daily) != 2 || daily[0].Bucket != "2026-08-25" || daily[1].Bucket != "2026-08-26" {
		t.Fatalf("unexpected daily buckets: %v", daily)
	}
	if daily[0].Total != 3 {
		t.Errorf("expected 3 results on the first day, got %d", daily[0].Total)
	}

	weekly := a.Trend(TrendWeekly)
	if len(weekly) != 1 {
		t.Fatalf("expected a single weekly bucket, got %v", weekly)
	}
	if !strings.HasPrefix(weekly[0].Bucket, "2026-W") || weekly[0].Total != 4 {
		t.Errorf("unexpected weekly bucket: %+v", weekly[0])
	}

	if pts := a.Trend(Granularity("monthly")); pts != nil {
		t.Errorf("expected nil for unknown granularity, got %v", pts)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Options{ResetSchedule: "not-a-cron", Logger: quietLogger()})
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
	if _, err := New(Options{ResetSchedule: "30 * * * *", Logger: quietLogger()}); err != nil {
		t.Fatalf("expected valid schedule to parse, got %v", err)
	}
}

func TestRunResetLoopInterval(t *testing.T) {
	a := newAggregator(t, Options{ResetInterval: 10 * time.Millisecond})
	a.Record(validation.TargetModelOutput, validation.ResultPassed, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunResetLoop(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for a.Summary().Total != 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("reset loop never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWritePrometheus(t *testing.T) {
	a := newAggregator(t, Options{})
	a.Record(validation.TargetCodeFunction, validation.ResultPassed, 100*time.Millisecond, floatPtr(90))
	a.Record(validation.TargetCodeFunction, validation.ResultError, 100*time.Millisecond, nil)

	var buf strings.Builder
	if err := a.WritePrometheus(&buf, ""); err != nil {
		t.Fatalf("write prometheus: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# TYPE provato_results_total counter",
		`provato_results_total{type="code-function",status="passed"} 1`,
		`provato_results_total{type="code-function",status="error"} 1`,
		"provato_success_ratio 0.5000",
		"provato_error_ratio 0.5000",
		"provato_avg_duration_seconds 0.100000",
		"provato_avg_score 90.00",
		`provato_alert_active{kind="error_rate"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q\n%s", want, out)
		}
	}

	quiet := newAggregator(t, Options{})
	buf.Reset()
	if err := quiet.WritePrometheus(&buf, "qa"); err != nil {
		t.Fatalf("write prometheus: %v", err)
	}
	if !strings.Contains(buf.String(), "qa_alert_active 0") {
		t.Errorf("expected quiet gauge under custom namespace\n%s", buf.String())
	}
}
