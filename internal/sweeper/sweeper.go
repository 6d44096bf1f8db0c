// Package sweeper removes expired jobs and their stored objects. Running on
// both the API and worker processes is safe: every step tolerates another
// sweeper having gotten there first.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"audiobrief/internal/artifact"
	"audiobrief/internal/store"
)

// Sweeper periodically reclaims jobs past their retention window.
type Sweeper struct {
	store     store.Store
	artifacts artifact.Store
	interval  time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// New builds a sweeper ticking every interval.
func New(st store.Store, artifacts artifact.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     st,
		artifacts: artifacts,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep pass failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("swept expired jobs", "removed", removed)
			}
		}
	}
}

// Sweep runs one pass and returns how many jobs it removed. Objects go
// first, then the record: a crash mid-sweep leaves a record the next pass
// picks up again, never an orphaned object.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := s.sweepJob(ctx, id); err != nil {
			s.logger.Warn("failed to sweep job", "job_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Sweeper) sweepJob(ctx context.Context, id string) error {
	j, err := s.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.artifacts.RemovePrefix(ctx, j.ID+"/"); err != nil {
		return err
	}
	if j.Params.InputObject != "" {
		if err := s.artifacts.Remove(ctx, j.Params.InputObject); err != nil {
			return err
		}
	}
	return s.store.Delete(ctx, j.ID)
}
