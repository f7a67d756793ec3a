package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with '?' placeholders and rebound for the driver.
type sqlStore struct {
	db       *sql.DB
	numbered bool // $1-style placeholders
}

const runsSchema = `
	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		iteration BIGINT NOT NULL,
		started_at_ns BIGINT NOT NULL,
		duration_ns BIGINT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		escalated BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_task_runs_task_started ON task_runs(task, started_at_ns);
	CREATE INDEX IF NOT EXISTS idx_task_runs_task_status ON task_runs(task, status);
	`

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
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

func (s *sqlStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, runsSchema)
	return err
}

// RecordRun inserts a run
func (s *sqlStore) RecordRun(ctx context.Context, run *Run) error {
	if err := validateRun(run); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO task_runs (id, task, iteration, started_at_ns, duration_ns, status, error, escalated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.Task, run.Iteration, run.StartedAt.UnixNano(), int64(run.Duration), string(run.Status),
		run.Error, run.Escalated)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the newest runs first
func (s *sqlStore) ListRuns(ctx context.Context, task string, limit int) ([]*Run, error) {
	query := `
		SELECT id, task, iteration, started_at_ns, duration_ns, status, error, escalated
		FROM task_runs WHERE task = ? ORDER BY started_at_ns DESC, iteration DESC`
	args := []interface{}{task}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s: %w", task, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run        Run
			durationNs int64
			status     string
			errMsg     sql.NullString
			startedNs  int64
		)
		if err := rows.Scan(&run.ID, &run.Task, &run.Iteration, &startedNs, &durationNs,
			&status, &errMsg, &run.Escalated); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, startedNs).UTC()
		run.Duration = time.Duration(durationNs)
		run.Status = RunStatus(status)
		run.Error = errMsg.String
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// CountRuns counts runs of task; an empty status counts all of them
func (s *sqlStore) CountRuns(ctx context.Context, task string, status RunStatus) (int, error) {
	query := `SELECT COUNT(*) FROM task_runs WHERE task = ?`
	args := []interface{}{task}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs for %s: %w", task, err)
	}
	return count, nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
