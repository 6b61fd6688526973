package validation

import (
	"sort"
	"testing"
	"time"
)

func TestParseTargetType(t *testing.T) {
	cases := []struct {
		in   string
		want TargetType
	}{
		{"model-output", TargetModelOutput},
		{"MODEL_OUTPUT", TargetModelOutput},
		{"  code-function ", TargetCodeFunction},
		{"api_endpoint", TargetAPIEndpoint},
		{"data-pipeline", TargetDataPipeline},
		{"ui_component", TargetUIComponent},
	}
	for _, tc := range cases {
		got, err := ParseTargetType(tc.in)
		if err != nil {
			t.Fatalf("ParseTargetType(%q) returned error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseTargetType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := ParseTargetType("spreadsheet"); err == nil {
		t.Error("expected error for unknown target type")
	}
	if TargetType("model-output").Valid() != true {
		t.Error("model-output should be valid")
	}
	if TargetType("bogus").Valid() {
		t.Error("bogus should not be valid")
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	priorities := []Priority{PriorityLow, PriorityCritical, PriorityMedium, PriorityHigh}
	sort.SliceStable(priorities, func(i, j int) bool {
		return priorities[i].Rank() > priorities[j].Rank()
	})
	want := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i, p := range want {
		if priorities[i] != p {
			t.Fatalf("position %d = %q, want %q", i, priorities[i], p)
		}
	}
	if Priority("bogus").Rank() != 0 {
		t.Error("unknown priority should rank below low")
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(" HIGH "); err != nil || p != PriorityHigh {
		t.Fatalf("ParsePriority(HIGH) = %q, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestResultStatusTerminal(t *testing.T) {
	terminal := []ResultStatus{ResultPassed, ResultFailed, ResultError}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []ResultStatus{ResultPending, ResultRunning} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestResultErrorMessage(t *testing.T) {
	r := &Result{}
	if msg := r.ErrorMessage(); msg != "" {
		t.Errorf("expected empty message, got %q", msg)
	}
	r.Err = &TimeoutError{TestID: "t1", Timeout: 2 * time.Second}
	if msg := r.ErrorMessage(); msg == "" {
		t.Error("expected non-empty message for timed out result")
	}
}
