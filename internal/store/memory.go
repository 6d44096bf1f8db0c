package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"audiobrief/internal/job"
)

// Memory is an in-process Store used by tests and single-node development.
// It provides the same compare-and-swap semantics as the Postgres store.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*job.Job)}
}

func clone(j *job.Job) *job.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.Artifacts != nil {
		c.Artifacts = append([]job.Artifact(nil), j.Artifacts...)
	}
	return &c
}

// Create inserts a new record.
func (m *Memory) Create(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	m.jobs[j.ID] = clone(j)
	return nil
}

// Load returns a copy of the record.
func (m *Memory) Load(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

// Update applies mutate under the status precondition.
func (m *Memory) Update(ctx context.Context, id string, expected job.Status, mutate func(*job.Job) error) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != expected {
		return nil, fmt.Errorf("job %s is %s, expected %s: %w", id, current.Status, expected, ErrConflict)
	}

	next := clone(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return clone(next), nil
}

// ListExpired returns terminal jobs past their retention window.
func (m *Memory) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, j := range m.jobs {
		if j.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Delete removes the record; unknown ids are a no-op.
func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, id)
	return nil
}

// CountByStatus returns job counts per status.
func (m *Memory) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[job.Status]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}
