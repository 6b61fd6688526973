package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/provato/provato/internal/config"
	"github.com/provato/provato/internal/validation"
)

// SeedSuite upserts a suite and its tests from config. Tests that are
// no longer configured are deactivated, never deleted, so their result
// history stays intact. Creation timestamps survive reseeds to keep
// ordering stable.
func (s *Store) SeedSuite(ctx context.Context, suite config.SuiteConfig) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	suiteType := suite.Type
	if suiteType == "" {
		suiteType = "functional"
	}
	suiteName := suite.Name
	if suiteName == "" {
		suiteName = suite.ID
	}
	active := true
	if suite.Active != nil {
		active = *suite.Active
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO validation_suites (id, name, suite_type, description, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			suite_type = excluded.suite_type,
			description = excluded.description,
			active = excluded.active
	`, suite.ID, suiteName, suiteType, suite.Description, boolToInt(active), now)
	if err != nil {
		return fmt.Errorf("upsert suite %s: %w", suite.ID, err)
	}

	for _, target := range suite.Targets {
		if err = s.seedTarget(ctx, tx, target, now); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(suite.Tests))
	for _, test := range suite.Tests {
		if err = s.seedTest(ctx, tx, suite.ID, test, now); err != nil {
			return err
		}
		ids = append(ids, test.ID)
	}

	if len(ids) == 0 {
		_, err = tx.ExecContext(ctx, `UPDATE tests SET active = 0, updated_at = ? WHERE suite_id = ?`, now, suite.ID)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, 0, len(ids)+2)
		args = append(args, now, suite.ID)
		for _, id := range ids {
			args = append(args, id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tests SET active = 0, updated_at = ? WHERE suite_id = ? AND id NOT IN (`+placeholders+`)`,
			args...)
	}
	if err != nil {
		return fmt.Errorf("deactivate removed tests for suite %s: %w", suite.ID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit suite seed: %w", err)
	}
	return nil
}

// seedTarget upserts a declared target. Targets are immutable once
// created; a reseed only moves the active flag.
func (s *Store) seedTarget(ctx context.Context, tx *sql.Tx, target config.TargetConfig, now time.Time) error {
	if target.ID == "" {
		return fmt.Errorf("target of type %q: missing id", target.Type)
	}
	targetType, err := validation.ParseTargetType(target.Type)
	if err != nil {
		return fmt.Errorf("target %s: %w", target.ID, err)
	}
	configJSON, err := encodeJSON(target.Config)
	if err != nil {
		return fmt.Errorf("target %s config: %w", target.ID, err)
	}
	active := true
	if target.Active != nil {
		active = *target.Active
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO validation_targets (id, target_type, config_json, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active = excluded.active
	`, target.ID, string(targetType), nullString(configJSON), boolToInt(active), now); err != nil {
		return fmt.Errorf("upsert target %s: %w", target.ID, err)
	}
	return nil
}

func (s *Store) seedTest(ctx context.Context, tx *sql.Tx, suiteID string, test config.TestConfig, now time.Time) error {
	target, err := validation.ParseTargetType(test.Target)
	if err != nil {
		return fmt.Errorf("test %s: %w", test.ID, err)
	}
	priority := validation.PriorityMedium
	if test.Priority != "" {
		priority, err = validation.ParsePriority(test.Priority)
		if err != nil {
			return fmt.Errorf("test %s: %w", test.ID, err)
		}
	}
	definition, err := encodeJSON(test.Definition)
	if err != nil {
		return fmt.Errorf("test %s definition: %w", test.ID, err)
	}
	expected, err := encodeJSON(test.Expected)
	if err != nil {
		return fmt.Errorf("test %s expected: %w", test.ID, err)
	}

	var timeoutMS sql.NullInt64
	if test.Timeout != nil && test.Timeout.Set {
		timeoutMS = sql.NullInt64{Int64: test.Timeout.Duration.Milliseconds(), Valid: true}
	}
	var maxRetries sql.NullInt64
	if test.MaxRetries != nil {
		maxRetries = sql.NullInt64{Int64: int64(*test.MaxRetries), Valid: true}
	}
	active := true
	if test.Active != nil {
		active = *test.Active
	}
	name := test.Name
	if name == "" {
		name = test.ID
	}

	// Tests without an explicit target_id own a default target named
	// after their type. Explicit references must point at a declared
	// target.
	targetID := test.TargetID
	if targetID == "" {
		targetID = string(target)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO validation_targets (id, target_type, active, created_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(id) DO NOTHING
		`, targetID, string(target), now); err != nil {
			return fmt.Errorf("upsert default target %s: %w", targetID, err)
		}
	} else {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM validation_targets WHERE id = ?`, targetID).Scan(&exists); err != nil {
			return fmt.Errorf("look up target %s: %w", targetID, err)
		}
		if exists == 0 {
			return fmt.Errorf("test %s: unknown target %q", test.ID, targetID)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tests (id, suite_id, target_id, name, target_type, priority, active, timeout_ms, max_retries,
			definition_json, expected_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			suite_id = excluded.suite_id,
			target_id = excluded.target_id,
			name = excluded.name,
			target_type = excluded.target_type,
			priority = excluded.priority,
			active = excluded.active,
			timeout_ms = excluded.timeout_ms,
			max_retries = excluded.max_retries,
			definition_json = excluded.definition_json,
			expected_json = excluded.expected_json,
			updated_at = excluded.updated_at
	`, test.ID, suiteID, targetID, name, string(target), string(priority), boolToInt(active),
		timeoutMS, maxRetries, definition, expected, now, now); err != nil {
		return fmt.Errorf("upsert test %s: %w", test.ID, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
