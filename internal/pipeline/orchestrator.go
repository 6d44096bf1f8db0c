// Package pipeline sequences stage executors per job type, owns every job
// record transition while a job runs, and folds stage failures into the
// record's terminal state. Stage errors never escape Run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"audiobrief/internal/arbiter"
	"audiobrief/internal/artifact"
	"audiobrief/internal/config"
	"audiobrief/internal/job"
	"audiobrief/internal/stage"
	"audiobrief/internal/store"
)

// ExecutorFactory builds the stage executors for one job's parameters.
// The production factory wires real engines; tests substitute fakes.
type ExecutorFactory interface {
	Transcriber(p job.Params) stage.Executor
	Diarizer(p job.Params) stage.Executor
	Summarizer(p job.Params) stage.Executor
	Renderer(p job.Params) stage.Executor
}

// Runner executes one job's pipeline to a terminal state.
type Runner struct {
	store     store.Store
	artifacts artifact.Store
	arbiter   *arbiter.Arbiter
	factory   ExecutorFactory
	cfg       config.Pipeline
	tempRoot  string
	logger    *slog.Logger

	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	cancelPoll time.Duration
}

// NewRunner builds the orchestrator.
func NewRunner(st store.Store, artifacts artifact.Store, arb *arbiter.Arbiter,
	factory ExecutorFactory, cfg config.Pipeline, tempRoot string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      st,
		artifacts:  artifacts,
		arbiter:    arb,
		factory:    factory,
		cfg:        cfg,
		tempRoot:   tempRoot,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
		cancelPoll: time.Second,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// planned is one stage slot in a job's fixed stage list.
type planned struct {
	exec       stage.Executor
	gpu        bool
	checkpoint int
	enterMsg   string
	timeout    time.Duration
}

// plan expands the job type into its stage list. Audio jobs run
// transcribe -> [diarize] -> summarize -> render; transcript jobs skip
// straight to summarize -> render because their input is already text.
func (r *Runner) plan(j *job.Job) []planned {
	cp := r.cfg.ProgressCheckpoints
	p := j.Params

	var stages []planned
	if j.Type == job.TypeAudioPipeline {
		stages = append(stages, planned{
			exec:       r.factory.Transcriber(p),
			gpu:        true,
			checkpoint: cp.Transcribe,
			enterMsg:   fmt.Sprintf("Transcribing with %s model...", p.WhisperModel),
			timeout:    r.cfg.TranscribeTimeout,
		})
		if p.EnableDiarization {
			stages = append(stages, planned{
				exec:       r.factory.Diarizer(p),
				gpu:        true,
				checkpoint: cp.Diarize,
				enterMsg:   "Performing speaker diarization...",
				timeout:    r.cfg.DiarizeTimeout,
			})
		}
	}
	stages = append(stages,
		planned{
			exec:       r.factory.Summarizer(p),
			checkpoint: cp.Summarize,
			enterMsg:   fmt.Sprintf("Generating summary with %s...", p.SummarizerModel),
			timeout:    r.cfg.SummarizeTimeout,
		},
		planned{
			exec:       r.factory.Renderer(p),
			checkpoint: cp.Render,
			enterMsg:   "Rendering report...",
			timeout:    r.cfg.RenderTimeout,
		},
	)
	return stages
}

// Run drives jobID to a terminal state. Only infrastructure failures (the
// store being unreachable) are returned; every stage outcome is folded into
// the job record. Re-delivery of a job that is no longer pending is a no-op.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	j, err := r.store.Load(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("dispatched job no longer exists", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if j.Status != job.StatusPending {
		r.logger.Info("ignoring re-delivery", "job_id", jobID, "status", j.Status)
		return nil
	}

	// Claiming the processing lease and resolving a pre-start cancellation
	// are one atomic step, so a cancel can never race the first stage.
	claimed, err := r.store.Update(ctx, jobID, job.StatusPending, func(j *job.Job) error {
		if j.CancelRequested {
			return j.Transition(job.StatusCancelled, r.now())
		}
		if err := j.Transition(job.StatusProcessing, r.now()); err != nil {
			return err
		}
		j.SetProgress("Starting processing...", r.cfg.ProgressCheckpoints.Started)
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		r.logger.Info("job claimed elsewhere", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if claimed.Status == job.StatusCancelled {
		r.logger.Info("job cancelled before start", "job_id", jobID)
		return nil
	}

	arts, stageErr := r.execute(ctx, claimed)
	return r.finish(ctx, jobID, arts, stageErr)
}

// finish applies the terminal transition for the run's outcome. It runs on a
// ctx detached from the run's cancellation: a worker shutting down mid-stage
// must still land the record in a terminal state, or the pending guard would
// strand it in processing forever.
func (r *Runner) finish(ctx context.Context, jobID string, arts []job.Artifact, stageErr *stage.Error) error {
	ctx = context.WithoutCancel(ctx)

	var mutate func(*job.Job) error
	switch {
	case stageErr == nil:
		mutate = func(j *job.Job) error {
			if err := j.Transition(job.StatusCompleted, r.now()); err != nil {
				return err
			}
			j.Artifacts = arts
			j.SetProgress("Processing completed successfully!", 100)
			return nil
		}
	case stageErr.Kind == stage.KindCancelled:
		mutate = func(j *job.Job) error {
			// A cancelled ctx without the record's flag set means the worker
			// was shut down, not that the user asked for a cancel.
			if !j.CancelRequested {
				if err := j.Transition(job.StatusFailed, r.now()); err != nil {
					return err
				}
				j.ErrorMessage = "Processing interrupted before completion"
				j.ProgressMessage = "Failed"
				return nil
			}
			if err := j.Transition(job.StatusCancelled, r.now()); err != nil {
				return err
			}
			j.ProgressMessage = "Cancelled"
			return nil
		}
	default:
		mutate = func(j *job.Job) error {
			if err := j.Transition(job.StatusFailed, r.now()); err != nil {
				return err
			}
			j.ErrorMessage = "Processing failed: " + stageErr.Message
			j.ProgressMessage = "Failed"
			return nil
		}
	}

	if _, err := r.store.Update(ctx, jobID, job.StatusProcessing, mutate); err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}

	if stageErr != nil {
		r.logger.Info("job reached terminal state", "job_id", jobID,
			"stage", stageErr.Stage, "kind", stageErr.Kind.String(), "error", stageErr.Message)
	} else {
		r.logger.Info("job completed", "job_id", jobID, "artifacts", len(arts))
	}
	return nil
}

// execute walks the stage list, returning uploaded artifacts on success or
// the terminal stage error otherwise.
func (r *Runner) execute(ctx context.Context, j *job.Job) ([]job.Artifact, *stage.Error) {
	workDir, err := os.MkdirTemp(r.tempRoot, "audiobrief-job-"+j.ID+"-")
	if err != nil {
		return nil, stage.Transient("", "create job workspace", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			r.logger.Warn("failed to clean job workspace", "job_id", j.ID, "error", err)
		}
	}()

	payload := &stage.Payload{WorkDir: workDir, Title: j.Params.Title}

	stages := r.plan(j)
	firstTag := stages[0].exec.Name()

	if r.cancelRequested(ctx, j.ID) {
		return nil, stage.Cancelled(firstTag, nil)
	}

	if stageErr := r.withRetries(ctx, j, firstTag, func(attemptCtx context.Context) error {
		return r.fetchInput(attemptCtx, j, firstTag, payload)
	}); stageErr != nil {
		return nil, stageErr
	}

	var arts []job.Artifact
	for _, s := range stages {
		tag := s.exec.Name()

		if r.cancelRequested(ctx, j.ID) {
			return nil, stage.Cancelled(tag, nil)
		}

		if _, err := r.store.Update(ctx, j.ID, job.StatusProcessing, func(j *job.Job) error {
			j.CurrentStage = tag
			j.SetProgress(s.enterMsg, 0)
			return nil
		}); err != nil {
			return nil, stage.Transient(tag, "record stage start", err)
		}

		uploaded := len(payload.Outputs)
		artsBase := len(arts)
		s := s
		stageErr := r.withRetries(ctx, j, tag, func(attemptCtx context.Context) error {
			// A failed attempt may have left half-recorded outputs behind.
			payload.Outputs = payload.Outputs[:uploaded]
			arts = arts[:artsBase]

			runCtx := attemptCtx
			if s.timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(attemptCtx, s.timeout)
				defer cancel()
			}

			// A cancel request arriving while the stage runs cancels its ctx,
			// so executors blocked on an engine see it immediately.
			runCtx, stopWatch := r.watchCancel(runCtx, j.ID)
			defer stopWatch()

			if s.gpu {
				release, err := r.arbiter.Acquire(runCtx)
				if err != nil {
					return stage.Classify(tag, err)
				}
				defer release()
			}

			if err := s.exec.Execute(runCtx, payload); err != nil {
				return err
			}

			for _, out := range payload.Outputs[uploaded:] {
				art, err := r.artifacts.Put(runCtx, j.ID, out.Name, out.Path)
				if err != nil {
					return stage.Transient(tag, "persist stage output", err)
				}
				arts = append(arts, art)
			}
			return nil
		})
		if stageErr != nil {
			return nil, stageErr
		}

		if _, err := r.store.Update(ctx, j.ID, job.StatusProcessing, func(j *job.Job) error {
			j.SetProgress(s.enterMsg, s.checkpoint)
			return nil
		}); err != nil {
			return nil, stage.Transient(tag, "record stage completion", err)
		}
	}

	return arts, nil
}

// fetchInput stages the job's input object into the workspace.
func (r *Runner) fetchInput(ctx context.Context, j *job.Job, tag job.Stage, payload *stage.Payload) error {
	object := j.Params.InputObject
	if strings.TrimSpace(object) == "" {
		return stage.Permanent(tag, "job has no input object", nil)
	}

	localPath := filepath.Join(payload.WorkDir, "input"+filepath.Ext(object))
	if err := r.artifacts.Fetch(ctx, object, localPath); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return stage.Permanent(tag, fmt.Sprintf("input object %s does not exist", object), err)
		}
		return stage.Transient(tag, "fetch input object", err)
	}

	if j.Type == job.TypeTranscriptPipeline {
		content, err := os.ReadFile(localPath)
		if err != nil {
			return stage.Transient(tag, "read transcript input", err)
		}
		payload.Transcript = strings.TrimSpace(string(content))
		if payload.Transcript == "" {
			return stage.Permanent(tag, "transcript input is empty", nil)
		}
		return nil
	}

	payload.AudioPath = localPath
	return nil
}

// withRetries applies the stage retry policy: transient errors get bounded
// attempts with exponential backoff, permanent and cancelled errors stop
// immediately. A cancel request arriving during backoff is honored.
func (r *Runner) withRetries(ctx context.Context, j *job.Job, tag job.Stage, attempt func(ctx context.Context) error) *stage.Error {
	maxAttempts := r.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *stage.Error
	for n := 1; n <= maxAttempts; n++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}

		last = stage.Classify(tag, err)
		if last.Kind != stage.KindTransient {
			return last
		}

		r.logger.Warn("stage attempt failed", "job_id", j.ID, "stage", tag,
			"attempt", n, "max_attempts", maxAttempts, "error", last.Message)

		if n == maxAttempts {
			break
		}

		backoff := r.cfg.RetryBackoff << (n - 1)
		if r.cfg.RetryBackoffCap > 0 && backoff > r.cfg.RetryBackoffCap {
			backoff = r.cfg.RetryBackoffCap
		}
		if err := r.sleep(ctx, backoff); err != nil {
			return stage.Classify(tag, err)
		}
		if r.cancelRequested(ctx, j.ID) {
			return stage.Cancelled(tag, nil)
		}
	}
	return last
}

// watchCancel ties the stage ctx to the record's cancel flag: while a stage
// attempt runs, the flag is polled and the ctx cancelled when it flips. The
// returned stop func ends the watch and must be called when the attempt ends.
func (r *Runner) watchCancel(ctx context.Context, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.cancelRequested(ctx, jobID) {
					cancel()
					return
				}
			}
		}
	}()

	return ctx, func() {
		close(stop)
		<-done
		cancel()
	}
}

// cancelRequested polls the record's cancel flag; load failures are treated
// as not cancelled so a store hiccup cannot cancel work by accident.
func (r *Runner) cancelRequested(ctx context.Context, jobID string) bool {
	j, err := r.store.Load(ctx, jobID)
	if err != nil {
		r.logger.Warn("failed to poll cancel flag", "job_id", jobID, "error", err)
		return false
	}
	return j.CancelRequested
}
