package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	db       *sql.DB
	postgres bool
}

// New opens the database for driver ("sqlite" or "postgres") and applies the schema.
func New(driver, dsn string) (*Storage, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite", "":
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// a single writer avoids SQLITE_BUSY between concurrent runs
			db.SetMaxOpenConns(1)
		}
	case "postgres":
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db, postgres: driver == "postgres"}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Storage) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Storage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Storage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Storage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Storage) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			config TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			total_tests INTEGER NOT NULL DEFAULT 0,
			passed_tests INTEGER NOT NULL DEFAULT 0,
			failed_tests INTEGER NOT NULL DEFAULT 0,
			skipped_tests INTEGER NOT NULL DEFAULT 0,
			duration_ms BIGINT,
			config TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL,
			test_name TEXT NOT NULL,
			test_file TEXT,
			test_suite TEXT,
			layer TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms BIGINT,
			error_message TEXT,
			error_stack TEXT,
			error_category TEXT,
			screenshot_ref TEXT,
			network_ref TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS generated_tests (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			test_name TEXT NOT NULL,
			test_type TEXT NOT NULL,
			entry_point TEXT,
			code TEXT NOT NULL,
			accepted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_generated_tests_project ON generated_tests(project_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
