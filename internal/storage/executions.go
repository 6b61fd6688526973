package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/provato/provato/internal/engine"
	"github.com/provato/provato/internal/validation"
)

// ErrExecutionNotFound signals a lookup against an unknown execution id.
var ErrExecutionNotFound = errors.New("execution not found")

// Execution is the stored view of one suite run.
type Execution struct {
	ID          string
	SuiteID     string
	Status      validation.ExecutionStatus
	TriggeredBy string
	Environment string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// StoredResult is the stored view of one test outcome within an execution.
type StoredResult struct {
	ExecutionID string
	TestID      string
	Status      validation.ResultStatus
	Score       float64
	MaxScore    float64
	StartedAt   *time.Time
	CompletedAt *time.Time
	Duration    time.Duration
	Attempts    int
	Details     map[string]any
	Error       string
}

// priorityRankCase orders query results critical first, then by
// creation order. Mirrors validation.Priority.Rank.
const priorityRankCase = `CASE priority
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	ELSE 3
END`

// CreateExecution inserts a pending execution for the suite, stamped
// with the triggering actor and environment, plus one pending result
// row per active test, and prunes runs beyond the retention limit in
// the same transaction. Returns the execution id.
func (s *Store) CreateExecution(ctx context.Context, suiteID, triggeredBy, environment string) (string, error) {
	executionID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM validation_suites WHERE id = ?`, suiteID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("look up suite %s: %w", suiteID, err)
	}
	if exists == 0 {
		err = fmt.Errorf("unknown suite %q", suiteID)
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO validation_executions (id, suite_id, status, triggered_by, environment, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, executionID, suiteID, string(validation.ExecutionPending), triggeredBy, environment, now)
	if err != nil {
		return "", fmt.Errorf("insert execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO validation_results (execution_id, test_id, status, attempts)
		SELECT ?, id, ?, 0 FROM tests WHERE suite_id = ? AND active = 1
	`, executionID, string(validation.ResultPending), suiteID)
	if err != nil {
		return "", fmt.Errorf("insert pending results: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM validation_results
		WHERE execution_id IN (
			SELECT id FROM validation_executions
			WHERE suite_id = ? AND rowid NOT IN (
				SELECT rowid FROM validation_executions
				WHERE suite_id = ?
				ORDER BY rowid DESC
				LIMIT ?
			)
		)
	`, suiteID, suiteID, s.executionLimit)
	if err != nil {
		return "", fmt.Errorf("prune results: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM validation_executions
		WHERE suite_id = ? AND rowid NOT IN (
			SELECT rowid FROM validation_executions
			WHERE suite_id = ?
			ORDER BY rowid DESC
			LIMIT ?
		)
	`, suiteID, suiteID, s.executionLimit)
	if err != nil {
		return "", fmt.Errorf("prune executions: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit execution: %w", err)
	}
	return executionID, nil
}

// LoadActiveTests returns a suite's active tests ordered by priority
// rank, then creation order. Implements the engine's persistence surface.
func (s *Store) LoadActiveTests(ctx context.Context, suiteID string) ([]validation.Test, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, target_type, priority, timeout_ms, max_retries,
			definition_json, expected_json, created_at
		FROM tests
		WHERE suite_id = ? AND active = 1
		ORDER BY `+priorityRankCase+`, created_at ASC, rowid ASC
	`, suiteID)
	if err != nil {
		return nil, fmt.Errorf("query active tests: %w", err)
	}
	defer rows.Close()

	var tests []validation.Test
	for rows.Next() {
		var (
			test       validation.Test
			target     string
			priority   string
			timeoutMS  sql.NullInt64
			maxRetries sql.NullInt64
			definition sql.NullString
			expected   sql.NullString
		)
		if err := rows.Scan(&test.ID, &test.Name, &target, &priority, &timeoutMS, &maxRetries,
			&definition, &expected, &test.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan test row: %w", err)
		}
		test.TargetType, err = validation.ParseTargetType(target)
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", test.ID, err)
		}
		test.Priority, err = validation.ParsePriority(priority)
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", test.ID, err)
		}
		if timeoutMS.Valid {
			test.Timeout = time.Duration(timeoutMS.Int64) * time.Millisecond
		}
		if maxRetries.Valid {
			retries := int(maxRetries.Int64)
			test.MaxRetries = &retries
		}
		if test.Definition, err = decodeJSON(definition); err != nil {
			return nil, fmt.Errorf("test %s definition: %w", test.ID, err)
		}
		if test.Expected, err = decodeJSON(expected); err != nil {
			return nil, fmt.Errorf("test %s expected: %w", test.ID, err)
		}
		tests = append(tests, test)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tests: %w", err)
	}
	return tests, nil
}

// SetResultStatus writes a result transition. Guards keep the lifecycle
// monotonic: running only lands on a pending row, and a terminal status
// is written exactly once; later writes are silent no-ops.
func (s *Store) SetResultStatus(ctx context.Context, executionID, testID string, status validation.ResultStatus, update engine.ResultUpdate) error {
	score, maxScore := nullFloat(update.Score), nullFloat(update.MaxScore)
	startedAt, completedAt := nullTime(update.StartedAt), nullTime(update.CompletedAt)
	var durationMS sql.NullInt64
	if update.Duration != nil {
		durationMS = sql.NullInt64{Int64: update.Duration.Milliseconds(), Valid: true}
	}
	details, err := encodeJSON(update.Details)
	if err != nil {
		return fmt.Errorf("result details: %w", err)
	}

	// Terminal statuses land once on a non-terminal row; running only
	// ever replaces pending or running. Guarded writes that match
	// nothing are silent no-ops.
	guard := `status IN ('pending', 'running')`
	if status.Terminal() {
		guard = `status NOT IN ('passed', 'failed', 'error')`
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validation_results (execution_id, test_id, status, score, max_score,
			started_at, completed_at, duration_ms, attempts, details_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, test_id) DO UPDATE SET
			status = excluded.status,
			score = COALESCE(excluded.score, score),
			max_score = COALESCE(excluded.max_score, max_score),
			started_at = COALESCE(excluded.started_at, started_at),
			completed_at = COALESCE(excluded.completed_at, completed_at),
			duration_ms = COALESCE(excluded.duration_ms, duration_ms),
			attempts = MAX(excluded.attempts, attempts),
			details_json = COALESCE(excluded.details_json, details_json),
			error = COALESCE(excluded.error, error)
		WHERE `+guard+`
	`, executionID, testID, string(status), score, maxScore,
		startedAt, completedAt, durationMS, update.Attempts, nullString(details), nullString(update.ErrorMessage))
	if err != nil {
		return fmt.Errorf("write result status: %w", err)
	}
	return nil
}

// SetExecutionStatus writes an execution transition. A terminal status
// is final: later writes are silent no-ops. Unknown executions error.
func (s *Store) SetExecutionStatus(ctx context.Context, executionID string, status validation.ExecutionStatus, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE validation_executions
		SET status = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status NOT IN ('completed', 'failed')
	`, string(status), nullTime(completedAt), executionID)
	if err != nil {
		return fmt.Errorf("write execution status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil || affected > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM validation_executions WHERE id = ?`, executionID).Scan(&exists); err != nil {
		return fmt.Errorf("look up execution: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	return nil
}

// GetExecution reads one execution record.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var (
		exec        Execution
		status      string
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, suite_id, status, triggered_by, environment, started_at, completed_at
		FROM validation_executions
		WHERE id = ?
	`, executionID).Scan(&exec.ID, &exec.SuiteID, &status, &exec.TriggeredBy, &exec.Environment, &exec.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	exec.Status = validation.ExecutionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return &exec, nil
}

// ResultsForExecution reads every result row of an execution, ordered by
// row insertion.
func (s *Store) ResultsForExecution(ctx context.Context, executionID string) ([]StoredResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, test_id, status, score, max_score,
			started_at, completed_at, duration_ms, attempts, details_json, error
		FROM validation_results
		WHERE execution_id = ?
		ORDER BY id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []StoredResult
	for rows.Next() {
		var (
			r           StoredResult
			status      string
			score       sql.NullFloat64
			maxScore    sql.NullFloat64
			startedAt   sql.NullTime
			completedAt sql.NullTime
			durationMS  sql.NullInt64
			details     sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&r.ExecutionID, &r.TestID, &status, &score, &maxScore,
			&startedAt, &completedAt, &durationMS, &r.Attempts, &details, &errMsg); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.Status = validation.ResultStatus(status)
		r.Score = score.Float64
		r.MaxScore = maxScore.Float64
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		if durationMS.Valid {
			r.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		}
		if r.Details, err = decodeJSON(details); err != nil {
			return nil, fmt.Errorf("result %s details: %w", r.TestID, err)
		}
		r.Error = errMsg.String
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// ActiveSuiteIDs lists seeded suites still flagged active, in seed order.
func (s *Store) ActiveSuiteIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM validation_suites WHERE active = 1 ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query suites: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan suite id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suites: %w", err)
	}
	return ids, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
