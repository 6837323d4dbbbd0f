package storage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/mpataki/testforge/internal/models"
)

// InsertOutcomes stores a run's outcomes in one transaction, preserving order.
func (s *Storage) InsertOutcomes(ctx context.Context, runID string, outcomes []models.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO outcomes (id, run_id, seq, test_name, test_file, test_suite, layer, status,
		 duration_ms, error_message, error_stack, error_category, screenshot_ref, network_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range outcomes {
		o := &outcomes[i]
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		o.RunID = runID
		_, err := stmt.ExecContext(ctx,
			o.ID, runID, i, o.TestName, nullString(o.TestFile), nullString(o.TestSuite), o.Layer, o.Status,
			o.DurationMS, nullString(o.ErrorMessage), nullString(o.ErrorStack), nullString(o.ErrorCategory),
			nullString(o.ScreenshotRef), nullString(o.NetworkRef),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Storage) ListOutcomes(ctx context.Context, runID string) ([]models.Outcome, error) {
	rows, err := s.query(ctx,
		`SELECT id, run_id, test_name, test_file, test_suite, layer, status, duration_ms,
		 error_message, error_stack, error_category, screenshot_ref, network_ref
		 FROM outcomes WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.Outcome
	for rows.Next() {
		var o models.Outcome
		var file, suite, msg, stack, category, screenshot, network sql.NullString
		var duration sql.NullInt64

		err := rows.Scan(
			&o.ID, &o.RunID, &o.TestName, &file, &suite, &o.Layer, &o.Status, &duration,
			&msg, &stack, &category, &screenshot, &network,
		)
		if err != nil {
			return nil, err
		}

		o.TestFile = file.String
		o.TestSuite = suite.String
		o.ErrorMessage = msg.String
		o.ErrorStack = stack.String
		o.ErrorCategory = category.String
		o.ScreenshotRef = screenshot.String
		o.NetworkRef = network.String
		if duration.Valid {
			d := duration.Int64
			o.DurationMS = &d
		}

		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
