package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"audiobrief/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	job_type         TEXT NOT NULL,
	status           TEXT NOT NULL,
	current_stage    TEXT NOT NULL DEFAULT '',
	progress_percent INT NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	params           JSONB NOT NULL,
	artifacts        JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs (expires_at) WHERE status IN ('completed','failed','cancelled');
`

// Postgres is the production Store backed by sqlx + lib/pq.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects, configures the pool, and ensures the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// jobRow is the flat table shape; params and artifacts travel as JSONB.
type jobRow struct {
	ID              string         `db:"id"`
	Type            string         `db:"job_type"`
	Status          string         `db:"status"`
	CurrentStage    string         `db:"current_stage"`
	ProgressPercent int            `db:"progress_percent"`
	ProgressMessage string         `db:"progress_message"`
	ErrorMessage    string         `db:"error_message"`
	CancelRequested bool           `db:"cancel_requested"`
	Params          []byte         `db:"params"`
	Artifacts       []byte         `db:"artifacts"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
	ExpiresAt       time.Time      `db:"expires_at"`
}

func toRow(j *job.Job) (jobRow, error) {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal params: %w", err)
	}
	artifacts := j.Artifacts
	if artifacts == nil {
		artifacts = []job.Artifact{}
	}
	arts, err := json.Marshal(artifacts)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal artifacts: %w", err)
	}

	row := jobRow{
		ID:              j.ID,
		Type:            string(j.Type),
		Status:          string(j.Status),
		CurrentStage:    string(j.CurrentStage),
		ProgressPercent: j.ProgressPercent,
		ProgressMessage: j.ProgressMessage,
		ErrorMessage:    j.ErrorMessage,
		CancelRequested: j.CancelRequested,
		Params:          params,
		Artifacts:       arts,
		CreatedAt:       j.CreatedAt,
		ExpiresAt:       j.ExpiresAt,
	}
	if j.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *j.StartedAt, Valid: true}
	}
	if j.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *j.FinishedAt, Valid: true}
	}
	return row, nil
}

func fromRow(row jobRow) (*job.Job, error) {
	j := &job.Job{
		ID:              row.ID,
		Type:            job.Type(row.Type),
		Status:          job.Status(row.Status),
		CurrentStage:    job.Stage(row.CurrentStage),
		ProgressPercent: row.ProgressPercent,
		ProgressMessage: row.ProgressMessage,
		ErrorMessage:    row.ErrorMessage,
		CancelRequested: row.CancelRequested,
		CreatedAt:       row.CreatedAt,
		ExpiresAt:       row.ExpiresAt,
	}
	if err := json.Unmarshal(row.Params, &j.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if len(row.Artifacts) > 0 {
		if err := json.Unmarshal(row.Artifacts, &j.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	if len(j.Artifacts) == 0 {
		j.Artifacts = nil
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		j.StartedAt = &t
	}
	if row.FinishedAt.Valid {
		t := row.FinishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

const insertJob = `
INSERT INTO jobs (id, job_type, status, current_stage, progress_percent, progress_message,
	error_message, cancel_requested, params, artifacts, created_at, started_at, finished_at, expires_at)
VALUES (:id, :job_type, :status, :current_stage, :progress_percent, :progress_message,
	:error_message, :cancel_requested, :params, :artifacts, :created_at, :started_at, :finished_at, :expires_at)`

const updateJob = `
UPDATE jobs SET status = :status, current_stage = :current_stage,
	progress_percent = :progress_percent, progress_message = :progress_message,
	error_message = :error_message, cancel_requested = :cancel_requested,
	artifacts = :artifacts, started_at = :started_at, finished_at = :finished_at
WHERE id = :id`

// Create inserts a new record.
func (p *Postgres) Create(ctx context.Context, j *job.Job) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	if _, err := p.db.NamedExecContext(ctx, insertJob, row); err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// Load returns the record by id.
func (p *Postgres) Load(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, "SELECT * FROM jobs WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return fromRow(row)
}

// Update implements the compare-and-swap: the row is locked for the
// duration of the transaction, the status precondition checked, and the
// mutated record written back as a whole.
func (p *Postgres) Update(ctx context.Context, id string, expected job.Status, mutate func(*job.Job) error) (*job.Job, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, "SELECT * FROM jobs WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job %s: %w", id, err)
	}

	j, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	if j.Status != expected {
		return nil, fmt.Errorf("job %s is %s, expected %s: %w", id, j.Status, expected, ErrConflict)
	}

	if err := mutate(j); err != nil {
		return nil, err
	}

	updated, err := toRow(j)
	if err != nil {
		return nil, err
	}
	if _, err := tx.NamedExecContext(ctx, updateJob, updated); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", id, err)
	}
	return j, nil
}

// ListExpired returns terminal jobs past their retention window.
func (p *Postgres) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := p.db.SelectContext(ctx, &ids,
		"SELECT id FROM jobs WHERE expires_at <= $1 AND status IN ('completed','failed','cancelled')", now)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return ids, nil
}

// Delete removes the record; unknown ids are a no-op.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// CountByStatus returns job counts for the health endpoint.
func (p *Postgres) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := p.db.QueryxContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[job.Status(status)] = count
	}
	return counts, rows.Err()
}
