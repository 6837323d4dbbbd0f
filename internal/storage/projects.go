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

// CreateProject inserts a new project, failing if the id is taken.
func (s *Storage) CreateProject(ctx context.Context, p *models.Project) error {
	cfg, err := prepareProject(p)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO projects (id, name, path, config, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, cfg, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

// UpsertProject inserts or replaces a project and its configuration.
func (s *Storage) UpsertProject(ctx context.Context, p *models.Project) error {
	cfg, err := prepareProject(p)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO projects (id, name, path, config, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, path = excluded.path, config = excluded.config`,
		p.ID, p.Name, p.Path, cfg, p.CreatedAt,
	)
	return err
}

func prepareProject(p *models.Project) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return "", fmt.Errorf("marshal project config: %w", err)
	}
	return string(cfg), nil
}

func (s *Storage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.queryRow(ctx, `SELECT id, name, path, config, created_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *Storage) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.query(ctx, `SELECT id, name, path, config, created_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var cfg sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &cfg, &p.CreatedAt); err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &p.Config); err != nil {
			return nil, fmt.Errorf("decode config for project %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// ReplaceGeneratedTests swaps the stored generated tests of a project.
func (s *Storage) ReplaceGeneratedTests(ctx context.Context, projectID string, tests []models.GeneratedTest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM generated_tests WHERE project_id = ?`), projectID); err != nil {
		return err
	}
	for _, t := range tests {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO generated_tests (id, project_id, test_name, test_type, entry_point, code, accepted)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			t.ID, projectID, t.TestName, t.TestType, nullString(t.EntryPoint), t.Code, t.Accepted,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Storage) ListAcceptedTests(ctx context.Context, projectID string) ([]models.GeneratedTest, error) {
	rows, err := s.query(ctx,
		`SELECT id, project_id, test_name, test_type, entry_point, code FROM generated_tests
		 WHERE project_id = ? AND accepted = ? ORDER BY test_name`, projectID, true,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []models.GeneratedTest
	for rows.Next() {
		var t models.GeneratedTest
		var entry sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.TestName, &t.TestType, &entry, &t.Code); err != nil {
			return nil, err
		}
		t.EntryPoint = entry.String
		t.Accepted = true
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// FormatTimeAgo renders t relative to now for CLI listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
