// Package worker consumes dispatch lanes and drives jobs through the
// pipeline. The gpu lane runs a single consumer so accelerator-bound
// pipelines execute one at a time; the standard lane fans out.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"audiobrief/internal/job"
	"audiobrief/internal/queue"
	"audiobrief/internal/store"
)

// JobRunner executes one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Pool owns the lane consumers.
type Pool struct {
	queue           queue.Queue
	store           store.Store
	runner          JobRunner
	pollTimeout     time.Duration
	standardWorkers int
	logger          *slog.Logger
}

// New builds a pool with one gpu consumer and standardWorkers standard
// consumers.
func New(q queue.Queue, st store.Store, runner JobRunner, pollTimeout time.Duration,
	standardWorkers int, logger *slog.Logger) *Pool {
	if standardWorkers < 1 {
		standardWorkers = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:           q,
		store:           st,
		runner:          runner,
		pollTimeout:     pollTimeout,
		standardWorkers: standardWorkers,
		logger:          logger,
	}
}

// Run blocks until ctx is cancelled and every consumer has drained its
// current message.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.consume(ctx, queue.LaneGPU, 0)
	}()

	for i := 0; i < p.standardWorkers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.consume(ctx, queue.LaneStandard, i)
		}(i)
	}

	p.logger.Info("worker pool started", "standard_workers", p.standardWorkers)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, lane queue.Lane, idx int) {
	logger := p.logger.With("lane", lane, "consumer", idx)
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := p.queue.Dequeue(ctx, lane, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		p.handle(ctx, logger, msg)
	}
}

func (p *Pool) handle(ctx context.Context, logger *slog.Logger, msg *queue.Message) {
	switch msg.Kind {
	case queue.KindStart:
		if err := p.runner.Run(ctx, msg.JobID); err != nil {
			logger.Error("job run failed", "job_id", msg.JobID, "error", err)
		}
	case queue.KindCancel:
		p.resolveCancel(ctx, logger, msg.JobID)
	default:
		logger.Warn("dropping message of unknown kind", "kind", msg.Kind, "job_id", msg.JobID)
	}
}

// resolveCancel finalizes a still-pending job without running its pipeline.
// If the job was already claimed, the orchestrator's own cancel polling
// takes over, so conflicts are not an error.
func (p *Pool) resolveCancel(ctx context.Context, logger *slog.Logger, jobID string) {
	_, err := p.store.Update(ctx, jobID, job.StatusPending, func(j *job.Job) error {
		return j.Transition(job.StatusCancelled, time.Now())
	})
	switch {
	case err == nil:
		logger.Info("cancelled pending job", "job_id", jobID)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		logger.Info("cancel already resolved elsewhere", "job_id", jobID)
	default:
		logger.Error("failed to cancel job", "job_id", jobID, "error", err)
	}
}
