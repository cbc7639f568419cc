// Package store keeps an optional ledger of profile runs in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Status is the outcome of one run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	// StatusStopped marks a flow that ended itself on purpose, for example
	// when the wallet still needs to be imported.
	StatusStopped Status = "stopped"
)

// Run is one task execution for one profile.
type Run struct {
	ID         uuid.UUID
	Profile    string
	Task       string
	Mode       string
	Status     Status
	Error      string
	Details    map[string]any
	StartedAt  time.Time
	FinishedAt time.Time
}

// Ledger records runs. Store and Nop implement it.
type Ledger interface {
	Record(ctx context.Context, run Run) error
	CompletedToday(ctx context.Context, profile, task string, day time.Time) (bool, error)
	Recent(ctx context.Context, limit int) ([]Run, error)
}

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL ledger.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          UUID PRIMARY KEY,
    profile     TEXT NOT NULL,
    task        TEXT NOT NULL,
    mode        TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    details     JSONB NOT NULL DEFAULT '{}',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_profile_task_started ON runs (profile, task, started_at);
CREATE TABLE IF NOT EXISTS profile_last_run (
    profile     TEXT NOT NULL,
    task        TEXT NOT NULL,
    run_id      UUID NOT NULL,
    status      TEXT NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (profile, task)
);
`

// EnsureSchema creates the ledger tables when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const (
	sqlInsertRun = `
        INSERT INTO runs (id, profile, task, mode, status, error, details, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
	sqlUpsertLastRun = `
        INSERT INTO profile_last_run (profile, task, run_id, status, finished_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (profile, task) DO UPDATE SET
            run_id = EXCLUDED.run_id,
            status = EXCLUDED.status,
            finished_at = EXCLUDED.finished_at;
    `
	sqlCompletedToday = `
        SELECT EXISTS (
            SELECT 1 FROM runs
            WHERE profile = $1 AND task = $2 AND status = $3
              AND started_at >= $4 AND started_at < $5
        );
    `
	sqlRecentRuns = `
        SELECT id, profile, task, mode, status, error, details, started_at, finished_at
        FROM runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
)

// Record stores run and updates the profile's last run in one transaction.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	details := run.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode run details: %w", err)
	}
	started, finished := run.StartedAt.UTC(), run.FinishedAt.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		run.ID, run.Profile, run.Task, run.Mode, string(run.Status), run.Error, detailsJSON, started, finished,
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlUpsertLastRun,
		run.Profile, run.Task, run.ID, string(run.Status), finished,
	); err != nil {
		return fmt.Errorf("failed to update last run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Run recorded.", zap.String("profile", run.Profile), zap.String("task", run.Task), zap.String("status", string(run.Status)))
	return nil
}

// DayBounds returns the UTC day containing t as [start, end).
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// CompletedToday reports whether profile finished task successfully on the
// UTC day of day.
func (s *Store) CompletedToday(ctx context.Context, profile, task string, day time.Time) (bool, error) {
	start, end := DayBounds(day)
	var done bool
	err := s.pool.QueryRow(ctx, sqlCompletedToday, profile, task, string(StatusSuccess), start, end).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("failed to query completed runs: %w", err)
	}
	return done, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			status  string
			details []byte
		)
		if err := rows.Scan(&r.ID, &r.Profile, &r.Task, &r.Mode, &status, &r.Error, &details, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = Status(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &r.Details); err != nil {
				return nil, fmt.Errorf("failed to decode run details: %w", err)
			}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// Nop is the ledger used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Run) error { return nil }

func (Nop) CompletedToday(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}

func (Nop) Recent(context.Context, int) ([]Run, error) { return nil, nil }

// Open connects to url and prepares the schema. An empty url yields Nop. The
// returned close function is always safe to call.
func Open(ctx context.Context, url string, logger *zap.Logger) (Ledger, func(), error) {
	if url == "" {
		return Nop{}, func() {}, nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	return s, pool.Close, nil
}
