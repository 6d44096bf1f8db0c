// Package store persists job records. Every mutation goes through Update,
// a compare-and-swap keyed on the expected current status, so concurrent
// writers (cancel API, orchestrator, sweeper) can never lose updates.
package store

import (
	"context"
	"errors"
	"time"

	"audiobrief/internal/job"
)

// ErrNotFound is returned when the job id is unknown.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned when the compare-and-swap precondition fails.
// Callers reload the record and re-evaluate; they never blindly overwrite.
var ErrConflict = errors.New("job status conflict")

// Store is the durable job record contract.
type Store interface {
	// Create inserts a new record. The id must be unused.
	Create(ctx context.Context, j *job.Job) error

	// Load returns a copy of the record.
	Load(ctx context.Context, id string) (*job.Job, error)

	// Update applies mutate to the record iff its current status equals
	// expected, as one atomic operation. Returns ErrConflict otherwise.
	Update(ctx context.Context, id string, expected job.Status, mutate func(*job.Job) error) (*job.Job, error)

	// ListExpired returns ids of terminal jobs whose retention window has
	// passed. Processing jobs are never returned.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)

	// Delete removes the record. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error

	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
}
