package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/fleetroll/pkg/api"
)

// ErrRunNotFound is returned by RunResults for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Store is the SQLite deployment history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunSummary is one row of the run history.
type RunSummary struct {
	ID          string
	Environment string
	Executor    string
	NoWait      bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Succeeded   int
	Failed      int
	TimedOut    int
	Submitted   int
}

// NewStore opens the history database at path, creating it if needed.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordReport stores the report and its results in one transaction.
func (s *Store) RecordReport(ctx context.Context, r *api.DeploymentReport, executorName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(id, environment, executor, no_wait, started_at, finished_at, succeeded, failed, timed_out, submitted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Environment, executorName, r.NoWait,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		r.Succeeded(), r.Failed(), r.TimedOut(), r.Submitted())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, res := range r.Results() {
		_, err := tx.ExecContext(ctx, `INSERT INTO results
			(run_id, position, host, state, duration_ms, output, error, handle_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, i, res.Host, string(res.State), res.Duration.Milliseconds(), res.Output, res.Error, res.HandleID)
		if err != nil {
			return fmt.Errorf("insert result %s: %w", res.Host, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, environment, executor, no_wait, started_at, finished_at,
		succeeded, failed, timed_out, submitted FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Environment, &r.Executor, &r.NoWait, &started, &finished,
			&r.Succeeded, &r.Failed, &r.TimedOut, &r.Submitted); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunResults returns the results of a run in rollout order.
func (s *Store) RunResults(ctx context.Context, runID string) ([]api.DeploymentResult, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT host, state, duration_ms, output, error, handle_id
		FROM results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []api.DeploymentResult
	for rows.Next() {
		var (
			res   api.DeploymentResult
			state string
			ms    int64
		)
		if err := rows.Scan(&res.Host, &state, &ms, &res.Output, &res.Error, &res.HandleID); err != nil {
			return nil, err
		}
		res.State = api.DeployState(state)
		res.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, res)
	}
	return out, rows.Err()
}
