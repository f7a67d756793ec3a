package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the outcome of one periodic iteration
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is the audit record of a single iteration
type Run struct {
	ID        string        `json:"id"`
	Task      string        `json:"task"`
	Iteration int64         `json:"iteration"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    RunStatus     `json:"status"`
	Error     string        `json:"error,omitempty"`
	Escalated bool          `json:"escalated"`
}

// Recorder receives iteration records
type Recorder interface {
	RecordRun(ctx context.Context, run *Run) error
}

// Store defines run history persistence.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	Recorder

	// ListRuns returns the newest runs of task first; limit <= 0 means all.
	ListRuns(ctx context.Context, task string, limit int) ([]*Run, error)
	CountRuns(ctx context.Context, task string, status RunStatus) (int, error)
	Close() error
}

var ErrInvalidRun = errors.New("invalid run")

func validateRun(run *Run) error {
	if run == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRun)
	}
	if run.ID == "" || run.Task == "" {
		return fmt.Errorf("%w: id and task are required", ErrInvalidRun)
	}
	return nil
}

// Store drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store for driver: "memory" (or empty), "sqlite" or "postgres".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "sqlite3":
		return NewSQLiteStore(dsn)
	case DriverPostgres, "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
