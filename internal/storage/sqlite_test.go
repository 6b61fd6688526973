package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/provato/provato/internal/config"
	"github.com/provato/provato/internal/engine"
	"github.com/provato/provato/internal/validation"
	"github.com/provato/provato/internal/validator"
)

var _ engine.Store = (*Store)(nil)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	store, err := Open(":memory:", opts)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seedFixture(t *testing.T, store *Store) {
	t.Helper()
	retries := 1
	suite := config.SuiteConfig{
		ID:   "release",
		Name: "Release gate",
		Targets: []config.TargetConfig{
			{
				ID:   "chat-api",
				Type: "api-endpoint",
				Config: map[string]interface{}{
					"base_url": "https://api.internal",
				},
			},
		},
		Tests: []config.TestConfig{
			{
				ID:       "t-low",
				Target:   "code-function",
				Priority: "low",
				Definition: map[string]interface{}{
					"simulate_delay_ms": 0,
				},
			},
			{
				ID:         "t-critical",
				Target:     "model_output",
				Priority:   "critical",
				Timeout:    &config.NullableDuration{Duration: 45 * time.Second, Set: true},
				MaxRetries: &retries,
				Definition: map[string]interface{}{
					"prompt": "What is two plus two?",
				},
				Expected: map[string]interface{}{
					"content": "four",
				},
			},
			{
				ID:       "t-medium",
				Target:   "api-endpoint",
				TargetID: "chat-api",
				Priority: "medium",
			},
		},
	}
	if err := store.SeedSuite(context.Background(), suite); err != nil {
		t.Fatalf("seed suite: %v", err)
	}
}

func TestLoadActiveTestsOrdersByPriority(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)

	tests, err := store.LoadActiveTests(context.Background(), "release")
	if err != nil {
		t.Fatalf("load active tests: %v", err)
	}
	if len(tests) != 3 {
		t.Fatalf("expected 3 tests, got %d", len(tests))
	}
	order := []string{tests[0].ID, tests[1].ID, tests[2].ID}
	want := []string{"t-critical", "t-medium", "t-low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("priority order = %v, want %v", order, want)
		}
	}

	critical := tests[0]
	if critical.TargetType != validation.TargetModelOutput {
		t.Errorf("target type = %s, want model-output", critical.TargetType)
	}
	if critical.Timeout != 45*time.Second {
		t.Errorf("timeout = %s, want 45s", critical.Timeout)
	}
	if critical.MaxRetries == nil || *critical.MaxRetries != 1 {
		t.Errorf("max retries = %v, want 1", critical.MaxRetries)
	}
	if critical.Definition["prompt"] != "What is two plus two?" {
		t.Errorf("definition did not survive roundtrip: %+v", critical.Definition)
	}
	if critical.Expected["content"] != "four" {
		t.Errorf("expected blob did not survive roundtrip: %+v", critical.Expected)
	}
}

func TestReseedDeactivatesRemovedTests(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)

	reseeded := config.SuiteConfig{
		ID:   "release",
		Name: "Release gate",
		Tests: []config.TestConfig{
			{ID: "t-critical", Target: "model-output", Priority: "critical"},
		},
	}
	if err := store.SeedSuite(context.Background(), reseeded); err != nil {
		t.Fatalf("reseed suite: %v", err)
	}

	tests, err := store.LoadActiveTests(context.Background(), "release")
	if err != nil {
		t.Fatalf("load active tests: %v", err)
	}
	if len(tests) != 1 || tests[0].ID != "t-critical" {
		t.Fatalf("expected only t-critical active, got %+v", tests)
	}

	// Deactivated rows stay for history; they are never deleted.
	var total int
	if err := store.db.QueryRow(`SELECT COUNT(1) FROM tests WHERE suite_id = 'release'`).Scan(&total); err != nil {
		t.Fatalf("count tests: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 stored tests after reseed, got %d", total)
	}
}

func TestSeedTargetsAndReferences(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)
	ctx := context.Background()

	var (
		targetType string
		configJSON string
		active     int
	)
	err := store.db.QueryRow(`SELECT target_type, config_json, active FROM validation_targets WHERE id = 'chat-api'`).
		Scan(&targetType, &configJSON, &active)
	if err != nil {
		t.Fatalf("read declared target: %v", err)
	}
	if targetType != "api-endpoint" || active != 1 {
		t.Errorf("declared target = %s active=%d", targetType, active)
	}
	if !strings.Contains(configJSON, "api.internal") {
		t.Errorf("target config blob lost: %q", configJSON)
	}

	// Tests without an explicit reference own a default target named
	// after their type; referencing tests reuse the declared one.
	var targetID string
	if err := store.db.QueryRow(`SELECT target_id FROM tests WHERE id = 't-medium'`).Scan(&targetID); err != nil {
		t.Fatalf("read test target: %v", err)
	}
	if targetID != "chat-api" {
		t.Errorf("t-medium target_id = %q, want chat-api", targetID)
	}
	if err := store.db.QueryRow(`SELECT target_id FROM tests WHERE id = 't-low'`).Scan(&targetID); err != nil {
		t.Fatalf("read test target: %v", err)
	}
	if targetID != "code-function" {
		t.Errorf("t-low target_id = %q, want code-function", targetID)
	}

	// A reseed may deactivate a target but never rewrites it.
	inactive := false
	reseed := config.SuiteConfig{
		ID: "release",
		Targets: []config.TargetConfig{
			{
				ID:     "chat-api",
				Type:   "api-endpoint",
				Active: &inactive,
				Config: map[string]interface{}{"base_url": "https://replacement"},
			},
		},
		Tests: []config.TestConfig{
			{ID: "t-medium", Target: "api-endpoint", TargetID: "chat-api"},
		},
	}
	if err := store.SeedSuite(ctx, reseed); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	err = store.db.QueryRow(`SELECT config_json, active FROM validation_targets WHERE id = 'chat-api'`).
		Scan(&configJSON, &active)
	if err != nil {
		t.Fatalf("read reseeded target: %v", err)
	}
	if active != 0 {
		t.Error("expected reseed to deactivate the target")
	}
	if !strings.Contains(configJSON, "api.internal") {
		t.Errorf("reseed must not rewrite target config, got %q", configJSON)
	}

	bad := config.SuiteConfig{
		ID:    "broken",
		Tests: []config.TestConfig{{ID: "b1", Target: "ui-component", TargetID: "missing"}},
	}
	if err := store.SeedSuite(ctx, bad); err == nil {
		t.Error("expected unknown target reference to fail the seed")
	}
}

func TestCreateExecutionSeedsPendingResults(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)

	executionID, err := store.CreateExecution(context.Background(), "release", "cli", "staging")
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	exec, err := store.GetExecution(context.Background(), executionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != validation.ExecutionPending {
		t.Errorf("new execution status = %s, want pending", exec.Status)
	}
	if exec.SuiteID != "release" {
		t.Errorf("suite id = %s", exec.SuiteID)
	}
	if exec.TriggeredBy != "cli" || exec.Environment != "staging" {
		t.Errorf("trigger metadata = %s/%s, want cli/staging", exec.TriggeredBy, exec.Environment)
	}
	if exec.CompletedAt != nil {
		t.Error("new execution must not carry a completion timestamp")
	}

	results, err := store.ResultsForExecution(context.Background(), executionID)
	if err != nil {
		t.Fatalf("results for execution: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 pending results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != validation.ResultPending {
			t.Errorf("result %s status = %s, want pending", r.TestID, r.Status)
		}
	}

	if _, err := store.CreateExecution(context.Background(), "ghost", "cli", "staging"); err == nil {
		t.Error("expected error for unknown suite")
	}
}

func TestResultStatusTransitionsAreMonotonic(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)
	ctx := context.Background()

	executionID, err := store.CreateExecution(ctx, "release", "cli", "staging")
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	started := time.Now().UTC()
	if err := store.SetResultStatus(ctx, executionID, "t-critical", validation.ResultRunning, engine.ResultUpdate{StartedAt: &started}); err != nil {
		t.Fatalf("set running: %v", err)
	}

	score, maxScore := 85.0, 100.0
	completed := started.Add(120 * time.Millisecond)
	duration := completed.Sub(started)
	terminal := engine.ResultUpdate{
		Score:       &score,
		MaxScore:    &maxScore,
		StartedAt:   &started,
		CompletedAt: &completed,
		Duration:    &duration,
		Attempts:    2,
		Details:     map[string]any{"simulated": true},
	}
	if err := store.SetResultStatus(ctx, executionID, "t-critical", validation.ResultPassed, terminal); err != nil {
		t.Fatalf("set passed: %v", err)
	}

	// A later write must not displace the terminal status.
	if err := store.SetResultStatus(ctx, executionID, "t-critical", validation.ResultError, engine.ResultUpdate{ErrorMessage: "late failure"}); err != nil {
		t.Fatalf("late error write: %v", err)
	}
	if err := store.SetResultStatus(ctx, executionID, "t-critical", validation.ResultRunning, engine.ResultUpdate{}); err != nil {
		t.Fatalf("late running write: %v", err)
	}

	results, err := store.ResultsForExecution(ctx, executionID)
	if err != nil {
		t.Fatalf("results for execution: %v", err)
	}
	var got *StoredResult
	for i := range results {
		if results[i].TestID == "t-critical" {
			got = &results[i]
		}
	}
	if got == nil {
		t.Fatal("result row missing")
	}
	if got.Status != validation.ResultPassed {
		t.Errorf("status = %s, want passed (terminal is final)", got.Status)
	}
	if got.Score != 85 || got.MaxScore != 100 {
		t.Errorf("score = %v/%v", got.Score, got.MaxScore)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if got.Duration != 120*time.Millisecond {
		t.Errorf("duration = %s", got.Duration)
	}
	if got.Error != "" {
		t.Errorf("error message leaked into passed row: %q", got.Error)
	}
	if got.Details["simulated"] != true {
		t.Errorf("details did not survive roundtrip: %+v", got.Details)
	}
	if got.CompletedAt == nil || got.StartedAt == nil || got.CompletedAt.Before(*got.StartedAt) {
		t.Errorf("timing window invalid: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
}

func TestExecutionStatusTerminalIsFinal(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)
	ctx := context.Background()

	executionID, err := store.CreateExecution(ctx, "release", "cli", "staging")
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	if err := store.SetExecutionStatus(ctx, executionID, validation.ExecutionRunning, nil); err != nil {
		t.Fatalf("set running: %v", err)
	}
	completed := time.Now().UTC()
	if err := store.SetExecutionStatus(ctx, executionID, validation.ExecutionCompleted, &completed); err != nil {
		t.Fatalf("set completed: %v", err)
	}
	if err := store.SetExecutionStatus(ctx, executionID, validation.ExecutionFailed, &completed); err != nil {
		t.Fatalf("late failed write: %v", err)
	}

	exec, err := store.GetExecution(ctx, executionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != validation.ExecutionCompleted {
		t.Errorf("status = %s, want completed to stick", exec.Status)
	}
	if exec.CompletedAt == nil {
		t.Error("completed execution must carry a completion timestamp")
	}

	err = store.SetExecutionStatus(ctx, "no-such-id", validation.ExecutionRunning, nil)
	if !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestExecutionRetentionPrunesOldRuns(t *testing.T) {
	store := openTestStore(t, Options{ExecutionRetention: 2})
	seedFixture(t, store)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.CreateExecution(ctx, "release", "schedule", "staging")
		if err != nil {
			t.Fatalf("create execution %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	if _, err := store.GetExecution(ctx, ids[0]); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("oldest execution should be pruned, got %v", err)
	}
	for _, id := range ids[1:] {
		if _, err := store.GetExecution(ctx, id); err != nil {
			t.Errorf("execution %s should survive retention: %v", id, err)
		}
	}

	orphaned, err := store.ResultsForExecution(ctx, ids[0])
	if err != nil {
		t.Fatalf("results for pruned execution: %v", err)
	}
	if len(orphaned) != 0 {
		t.Errorf("pruned execution still has %d results", len(orphaned))
	}
}

func TestActiveSuiteIDsSkipsInactive(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)

	inactive := false
	parked := config.SuiteConfig{
		ID:     "parked",
		Active: &inactive,
		Tests:  []config.TestConfig{{ID: "p1", Target: "ui-component"}},
	}
	if err := store.SeedSuite(context.Background(), parked); err != nil {
		t.Fatalf("seed parked suite: %v", err)
	}

	ids, err := store.ActiveSuiteIDs(context.Background())
	if err != nil {
		t.Fatalf("active suite ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "release" {
		t.Errorf("active suites = %v, want [release]", ids)
	}
}

type stubValidator struct {
	status validation.ResultStatus
	score  float64
	err    error
}

func (v stubValidator) Validate(ctx context.Context, definition, expected map[string]any) (*validator.Outcome, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &validator.Outcome{Status: v.status, Score: v.score, MaxScore: 100}, nil
}

// Drives the real engine against the sqlite store and checks the rows
// agree with the returned report.
func TestEngineRunSuiteAgainstSQLite(t *testing.T) {
	store := openTestStore(t, Options{})
	seedFixture(t, store)
	ctx := context.Background()

	builtins := map[validation.TargetType]validator.Validator{
		validation.TargetModelOutput:  stubValidator{status: validation.ResultPassed, score: 91},
		validation.TargetAPIEndpoint:  stubValidator{status: validation.ResultFailed, score: 40},
		validation.TargetCodeFunction: stubValidator{err: errors.New("sandbox offline")},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(store, nil, builtins, nil, nil, logger, engine.Options{
		Retry: engine.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	executionID, err := store.CreateExecution(ctx, "release", "cli", "staging")
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	report, err := eng.RunSuite(ctx, executionID, "release")
	if err != nil {
		t.Fatalf("run suite: %v", err)
	}
	if report.Status != validation.ExecutionFailed {
		t.Errorf("report status = %s, want failed (one result errored)", report.Status)
	}
	if report.Passed != 1 || report.Failed != 1 || report.Errored != 1 {
		t.Errorf("report counts = %d/%d/%d, want 1/1/1", report.Passed, report.Failed, report.Errored)
	}

	exec, err := store.GetExecution(ctx, executionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != validation.ExecutionFailed {
		t.Errorf("persisted execution status = %s, want failed", exec.Status)
	}

	results, err := store.ResultsForExecution(ctx, executionID)
	if err != nil {
		t.Fatalf("results for execution: %v", err)
	}
	byTest := map[string]validation.ResultStatus{}
	for _, r := range results {
		if !r.Status.Terminal() {
			t.Errorf("result %s left non-terminal: %s", r.TestID, r.Status)
		}
		byTest[r.TestID] = r.Status
	}
	if byTest["t-critical"] != validation.ResultPassed {
		t.Errorf("t-critical = %s, want passed", byTest["t-critical"])
	}
	if byTest["t-medium"] != validation.ResultFailed {
		t.Errorf("t-medium = %s, want failed", byTest["t-medium"])
	}
	if byTest["t-low"] != validation.ResultError {
		t.Errorf("t-low = %s, want error", byTest["t-low"])
	}
}
