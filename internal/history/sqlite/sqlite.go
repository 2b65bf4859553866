// Package sqlite implements history.Repository on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/voltcomp/internal/history"
	"github.com/signalsfoundry/voltcomp/model"
)

// timeLayout is fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository implements history.Repository using SQLite.
type Repository struct {
	db *sql.DB
}

var _ history.Repository = (*Repository)(nil)

// New opens (or creates) the database at dbPath and migrates the schema.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		case_name TEXT NOT NULL,
		scenario JSON,
		strategy JSON NOT NULL,
		min_voltage REAL NOT NULL,
		violations INTEGER NOT NULL,
		status TEXT NOT NULL,
		solved INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close releases the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save inserts a run. Saving an existing id replaces it.
func (r *Repository) Save(ctx context.Context, run history.Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	var scenario sql.NullString
	if run.Scenario != nil {
		data, err := json.Marshal(run.Scenario)
		if err != nil {
			return fmt.Errorf("failed to marshal scenario: %w", err)
		}
		scenario = sql.NullString{String: string(data), Valid: true}
	}
	strategy, err := json.Marshal(run.Strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, case_name, scenario, strategy, min_voltage, violations, status, solved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Case, scenario, string(strategy),
		run.Report.MinVoltage, run.Report.FinalViolations, string(run.Report.Status),
		boolToInt(run.Report.Solved), created.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Get loads one run.
func (r *Repository) Get(ctx context.Context, id string) (history.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, case_name, scenario, strategy, min_voltage, violations, status, solved, created_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Run{}, fmt.Errorf("%w: %s", history.ErrRunNotFound, id)
	}
	return run, err
}

// List returns runs newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]history.Run, error) {
	query := `
		SELECT id, case_name, scenario, strategy, min_voltage, violations, status, solved, created_at
		FROM runs ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []history.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (history.Run, error) {
	var (
		run        history.Run
		scenario   sql.NullString
		strategy   string
		status     string
		solved     int
		createdRaw string
	)
	err := s.Scan(&run.ID, &run.Case, &scenario, &strategy,
		&run.Report.MinVoltage, &run.Report.FinalViolations, &status, &solved, &createdRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("failed to scan run: %w", err)
	}

	if scenario.Valid && scenario.String != "" {
		run.Scenario = &model.ScenarioResult{}
		if err := json.Unmarshal([]byte(scenario.String), run.Scenario); err != nil {
			return run, fmt.Errorf("failed to unmarshal scenario: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(strategy), &run.Strategy); err != nil {
		return run, fmt.Errorf("failed to unmarshal strategy: %w", err)
	}
	run.Report.Compensation = run.Strategy
	run.Report.Status = model.SystemStatus(status)
	run.Report.Solved = solved != 0

	created, err := time.Parse(timeLayout, createdRaw)
	if err != nil {
		return run, fmt.Errorf("failed to parse created_at: %w", err)
	}
	run.CreatedAt = created
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
