package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/testforge/internal/models"
)

const runColumns = `id, project_id, status, created_at, started_at, completed_at,
	total_tests, passed_tests, failed_tests, skipped_tests, duration_ms, config, error_message`

// CreateRun inserts run in Pending. An empty ID is filled with a fresh UUID.
func (s *Storage) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.Status = models.RunStatusPending

	var configJSON sql.NullString
	if run.Config != nil {
		data, err := json.Marshal(run.Config)
		if err != nil {
			return fmt.Errorf("marshal run config: %w", err)
		}
		configJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.exec(ctx,
		`INSERT INTO runs (id, project_id, status, created_at, config) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.Status, run.CreatedAt, configJSON,
	)
	return err
}

func (s *Storage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := s.query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunning moves a Pending run to Running. It reports false when the run
// was no longer Pending.
func (s *Storage) MarkRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx,
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		models.RunStatusRunning, at, id, models.RunStatusPending,
	)
}

// FailRun moves a non-terminal run to Failed with msg.
func (s *Storage) FailRun(ctx context.Context, id, msg string, at time.Time) (bool, error) {
	return s.transition(ctx,
		`UPDATE runs SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.RunStatusFailed, msg, at, id, models.RunStatusPending, models.RunStatusRunning,
	)
}

// CancelRun moves a non-terminal run to Cancelled.
func (s *Storage) CancelRun(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		models.RunStatusCancelled, at, id, models.RunStatusPending, models.RunStatusRunning,
	)
}

// FinishRun writes the final status and aggregate counts. Counts are only
// written while the run is still Running, so they land at most once and a
// recorded cancellation is never overwritten.
func (s *Storage) FinishRun(ctx context.Context, id string, sum models.Summary) (bool, error) {
	return s.transition(ctx,
		`UPDATE runs SET status = ?, total_tests = ?, passed_tests = ?, failed_tests = ?,
		 skipped_tests = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ? AND status = ?`,
		sum.Status, sum.Total, sum.Passed, sum.Failed, sum.Skipped, sum.CompletedAt, sum.DurationMS,
		id, models.RunStatusRunning,
	)
}

// RecoverOrphans fails every Pending or Running run left behind by a previous
// process and returns how many were touched.
func (s *Storage) RecoverOrphans(ctx context.Context, msg string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE runs SET status = ?, error_message = ?, completed_at = ? WHERE status IN (?, ?)`,
		models.RunStatusFailed, msg, time.Now().UTC(), models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM outcomes WHERE run_id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var startedAt, completedAt sql.NullTime
	var durationMS sql.NullInt64
	var configJSON, errorMessage sql.NullString

	err := row.Scan(
		&run.ID, &run.ProjectID, &run.Status, &run.CreatedAt, &startedAt, &completedAt,
		&run.TotalTests, &run.PassedTests, &run.FailedTests, &run.SkippedTests,
		&durationMS, &configJSON, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if durationMS.Valid {
		d := durationMS.Int64
		run.DurationMS = &d
	}
	if configJSON.Valid {
		var cfg map[string]any
		if err := json.Unmarshal([]byte(configJSON.String), &cfg); err == nil {
			run.Config = cfg
		}
	}
	run.ErrorMessage = errorMessage.String

	return &run, nil
}
