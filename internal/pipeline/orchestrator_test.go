package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"audiobrief/internal/arbiter"
	"audiobrief/internal/artifact"
	"audiobrief/internal/config"
	"audiobrief/internal/job"
	"audiobrief/internal/stage"
	"audiobrief/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeExecutor is a scripted stage.
type fakeExecutor struct {
	tag   job.Stage
	fn    func(ctx context.Context, p *stage.Payload) error
	calls int
}

func (f *fakeExecutor) Name() job.Stage { return f.tag }

func (f *fakeExecutor) Execute(ctx context.Context, p *stage.Payload) error {
	f.calls++
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, p)
}

// fakeFactory hands out the scripted executors.
type fakeFactory struct {
	transcribe *fakeExecutor
	diarize    *fakeExecutor
	summarize  *fakeExecutor
	render     *fakeExecutor
}

func newFakeFactory() *fakeFactory {
	writeOutput := func(name, content string) func(ctx context.Context, p *stage.Payload) error {
		return func(ctx context.Context, p *stage.Payload) error {
			path := filepath.Join(p.WorkDir, name)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			p.Outputs = append(p.Outputs, stage.Output{Name: name, Path: path})
			return nil
		}
	}
	return &fakeFactory{
		transcribe: &fakeExecutor{tag: job.StageTranscribe, fn: func(ctx context.Context, p *stage.Payload) error {
			p.Transcript = "hello from the meeting"
			return nil
		}},
		diarize: &fakeExecutor{tag: job.StageDiarize, fn: func(ctx context.Context, p *stage.Payload) error {
			p.Transcript = "SPEAKER_00: " + p.Transcript
			return nil
		}},
		summarize: &fakeExecutor{tag: job.StageSummarize, fn: func(ctx context.Context, p *stage.Payload) error {
			p.Summary = "# Summary"
			return writeOutput("summary.md", "# Summary")(ctx, p)
		}},
		render: &fakeExecutor{tag: job.StageRender, fn: writeOutput("report.pdf", "%PDF-1.7")},
	}
}

func (f *fakeFactory) Transcriber(p job.Params) stage.Executor { return f.transcribe }
func (f *fakeFactory) Diarizer(p job.Params) stage.Executor    { return f.diarize }
func (f *fakeFactory) Summarizer(p job.Params) stage.Executor  { return f.summarize }
func (f *fakeFactory) Renderer(p job.Params) stage.Executor    { return f.render }

// snapshot is one observed record mutation.
type snapshot struct {
	status  job.Status
	percent int
	stage   job.Stage
}

// recordingStore logs every successful mutation for ordering assertions.
// The optional after hook lets a test inject between two record writes.
type recordingStore struct {
	store.Store
	mu    sync.Mutex
	log   []snapshot
	after func(snapshot)
}

func (r *recordingStore) Update(ctx context.Context, id string, expected job.Status, mutate func(*job.Job) error) (*job.Job, error) {
	j, err := r.Store.Update(ctx, id, expected, mutate)
	if err != nil {
		return j, err
	}
	s := snapshot{status: j.Status, percent: j.ProgressPercent, stage: j.CurrentStage}
	r.mu.Lock()
	r.log = append(r.log, s)
	hook := r.after
	r.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return j, nil
}

func (r *recordingStore) snapshots() []snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snapshot(nil), r.log...)
}

type testEnv struct {
	runner    *Runner
	store     *recordingStore
	artifacts *artifact.Memory
	factory   *fakeFactory
	arbiter   *arbiter.Arbiter
	cfg       config.Pipeline
	sleeps    []time.Duration
}

func newTestEnv(t *testing.T, tune func(*config.Pipeline)) *testEnv {
	t.Helper()

	cfg := config.DefaultPipeline()
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffCap = 8 * time.Millisecond
	cfg.TranscribeTimeout = 0
	cfg.DiarizeTimeout = 0
	cfg.SummarizeTimeout = 0
	cfg.RenderTimeout = 0
	if tune != nil {
		tune(&cfg)
	}

	env := &testEnv{
		store:     &recordingStore{Store: store.NewMemory()},
		artifacts: artifact.NewMemory(),
		factory:   newFakeFactory(),
		arbiter:   arbiter.New(arbiter.NewMemoryBackend(nil), time.Second, time.Millisecond, testLogger()),
		cfg:       cfg,
	}
	env.runner = NewRunner(env.store, env.artifacts, env.arbiter, env.factory, cfg, t.TempDir(), testLogger())
	env.runner.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	env.runner.cancelPoll = time.Millisecond
	return env
}

func (e *testEnv) submit(t *testing.T, typ job.Type, mutate func(*job.Job)) *job.Job {
	t.Helper()

	now := time.Now()
	j := &job.Job{
		ID:     "job-1",
		Type:   typ,
		Status: job.StatusPending,
		Params: job.Params{
			Title:           "Weekly Sync",
			InputObject:     "uploads/meeting.mp3",
			WhisperModel:    "large",
			SummarizerModel: "qwen3-summarizer:14b",
			OutputFormat:    "pdf",
		},
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	if typ == job.TypeTranscriptPipeline {
		j.Params.InputObject = "uploads/meeting.txt"
	}
	if mutate != nil {
		mutate(j)
	}

	e.artifacts.Seed(j.Params.InputObject, []byte("raw input bytes"))
	if err := e.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

// TestRunAudioPipelineWithoutDiarization walks the main happy path:
// stage list transcribe -> summarize -> render, progress hitting the
// configured checkpoint after transcription, and exactly two artifacts.
func TestRunAudioPipelineWithoutDiarization(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, err := env.store.Load(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.ProgressPercent != 100 {
		t.Fatalf("progress = %d, want 100", final.ProgressPercent)
	}
	if len(final.Artifacts) != 2 {
		t.Fatalf("artifacts = %v, want summary.md and report.pdf", final.Artifacts)
	}
	if final.Artifacts[0].Name != "summary.md" || final.Artifacts[1].Name != "report.pdf" {
		t.Fatalf("artifact names = %s, %s", final.Artifacts[0].Name, final.Artifacts[1].Name)
	}
	for _, a := range final.Artifacts {
		if a.SHA256 == "" || a.Size == 0 {
			t.Fatalf("artifact %s missing hash or size", a.Name)
		}
	}

	if env.factory.diarize.calls != 0 {
		t.Fatalf("diarize invoked %d times with diarization disabled", env.factory.diarize.calls)
	}
	for _, e := range []*fakeExecutor{env.factory.transcribe, env.factory.summarize, env.factory.render} {
		if e.calls != 1 {
			t.Fatalf("%s invoked %d times, want 1", e.tag, e.calls)
		}
	}

	// Transcription completion must land exactly on its checkpoint before
	// later stages push further.
	var seen40 bool
	for _, s := range env.store.snapshots() {
		if s.percent == 40 {
			seen40 = true
		}
		if s.percent > 40 && !seen40 {
			t.Fatalf("progress passed 40 without stopping at the transcribe checkpoint: %+v", env.store.snapshots())
		}
	}
	if !seen40 {
		t.Fatal("progress never reached the transcribe checkpoint")
	}
}

// TestRunStatusForwardOnlyAndProgressMonotone checks the two global
// invariants over every observed mutation.
func TestRunStatusForwardOnlyAndProgressMonotone(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submit(t, job.TypeAudioPipeline, func(j *job.Job) { j.Params.EnableDiarization = true })

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rank := map[job.Status]int{
		job.StatusPending:    0,
		job.StatusProcessing: 1,
		job.StatusCompleted:  2,
		job.StatusFailed:     2,
		job.StatusCancelled:  2,
	}

	snaps := env.store.snapshots()
	lastRank, lastPercent := 0, 0
	for i, s := range snaps {
		if rank[s.status] < lastRank {
			t.Fatalf("status moved backwards at snapshot %d: %+v", i, snaps)
		}
		lastRank = rank[s.status]
		if s.status == job.StatusProcessing && s.percent < lastPercent {
			t.Fatalf("progress moved backwards at snapshot %d: %+v", i, snaps)
		}
		lastPercent = s.percent
	}
	if snaps[len(snaps)-1].status != job.StatusCompleted {
		t.Fatalf("final status = %s", snaps[len(snaps)-1].status)
	}
}

// TestRunPermanentDiarizeFailure checks a permanent error fails the job
// immediately: no retries, later stages never run, artifacts stay empty.
func TestRunPermanentDiarizeFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.factory.diarize.fn = func(ctx context.Context, p *stage.Payload) error {
		return stage.Permanent(job.StageDiarize, "diarization credential token not configured", nil)
	}
	env.submit(t, job.TypeAudioPipeline, func(j *job.Job) { j.Params.EnableDiarization = true })

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorMessage == "" {
		t.Fatal("failed job has no error message")
	}
	if len(final.Artifacts) != 0 {
		t.Fatalf("failed job has artifacts: %v", final.Artifacts)
	}
	if env.factory.diarize.calls != 1 {
		t.Fatalf("permanent error retried: diarize calls = %d", env.factory.diarize.calls)
	}
	if env.factory.summarize.calls != 0 || env.factory.render.calls != 0 {
		t.Fatal("stages after the failure were invoked")
	}
}

// TestRunCancelBeforeFirstStage checks pending -> cancelled with no
// executor ever invoked.
func TestRunCancelBeforeFirstStage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submit(t, job.TypeAudioPipeline, func(j *job.Job) { j.CancelRequested = true })

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.ErrorMessage != "" {
		t.Fatalf("cancelled job exposes an error: %q", final.ErrorMessage)
	}
	for _, e := range []*fakeExecutor{env.factory.transcribe, env.factory.diarize, env.factory.summarize, env.factory.render} {
		if e.calls != 0 {
			t.Fatalf("%s invoked on a cancelled job", e.tag)
		}
	}
}

// TestRunCancelObservedAtStageBoundary checks a cancel arriving mid-run
// stops before the next stage.
func TestRunCancelObservedAtStageBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	env.factory.transcribe.fn = func(ctx context.Context, p *stage.Payload) error {
		p.Transcript = "text"
		_, err := env.store.Update(ctx, "job-1", job.StatusProcessing, func(j *job.Job) error {
			j.CancelRequested = true
			return nil
		})
		return err
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if env.factory.summarize.calls != 0 {
		t.Fatal("summarize ran after cancel was requested")
	}
}

// TestRunIdempotentRedelivery checks a non-pending job is a no-op.
func TestRunIdempotentRedelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("redelivered Run() error = %v", err)
	}

	if env.factory.transcribe.calls != 1 {
		t.Fatalf("transcribe invoked %d times across redelivery, want 1", env.factory.transcribe.calls)
	}
}

// TestRunUnknownJobIsNoop checks a swept job id does not error the worker.
func TestRunUnknownJobIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.runner.Run(context.Background(), "ghost"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

// TestRunTransientRetrySucceeds checks bounded backoff then success.
func TestRunTransientRetrySucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	attempts := 0
	env.factory.transcribe.fn = func(ctx context.Context, p *stage.Payload) error {
		attempts++
		if attempts < 3 {
			return stage.Transient(job.StageTranscribe, "engine hiccup", errors.New("oom"))
		}
		p.Transcript = "finally"
		return nil
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(env.sleeps) != 2 {
		t.Fatalf("backoff sleeps = %v, want 2", env.sleeps)
	}
	if env.sleeps[1] != 2*env.sleeps[0] {
		t.Fatalf("backoff not exponential: %v", env.sleeps)
	}
}

// TestRunRetriesExhausted checks the job fails with the last cause.
func TestRunRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.factory.transcribe.fn = func(ctx context.Context, p *stage.Payload) error {
		return stage.Transient(job.StageTranscribe, "engine down", errors.New("connect refused"))
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "engine down") {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
	if env.factory.transcribe.calls != 3 {
		t.Fatalf("attempts = %d, want 3", env.factory.transcribe.calls)
	}
}

// TestRunCancelDuringBackoff checks a cancel request lands between retry
// attempts.
func TestRunCancelDuringBackoff(t *testing.T) {
	env := newTestEnv(t, nil)
	env.factory.transcribe.fn = func(ctx context.Context, p *stage.Payload) error {
		return stage.Transient(job.StageTranscribe, "engine hiccup", nil)
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	env.runner.sleep = func(ctx context.Context, d time.Duration) error {
		_, err := env.store.Update(ctx, "job-1", job.StatusProcessing, func(j *job.Job) error {
			j.CancelRequested = true
			return nil
		})
		return err
	}

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if env.factory.transcribe.calls != 1 {
		t.Fatalf("attempts after cancel = %d, want 1", env.factory.transcribe.calls)
	}
}

// TestRunCancelInterruptsRunningStage checks a cancel request cancels the
// ctx of a stage that is already executing, not just at the next boundary.
func TestRunCancelInterruptsRunningStage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.factory.transcribe.fn = func(ctx context.Context, p *stage.Payload) error {
		if _, err := env.store.Update(ctx, "job-1", job.StatusProcessing, func(j *job.Job) error {
			j.CancelRequested = true
			return nil
		}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("stage ran to completion")
		}
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	start := time.Now()
	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stage was not interrupted, run took %s", elapsed)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if env.factory.summarize.calls != 0 {
		t.Fatal("later stages ran after the interrupt")
	}
}

// TestRunShutdownReachesTerminalState checks a worker shutdown mid-stage
// still lands the record in a terminal state. Without a cancel request on
// the record it is marked failed, not cancelled.
func TestRunShutdownReachesTerminalState(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.factory.transcribe.fn = func(stageCtx context.Context, p *stage.Payload) error {
		cancel()
		<-stageCtx.Done()
		return stageCtx.Err()
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(ctx, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "interrupted") {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
}

type fetchCountingStore struct {
	*artifact.Memory
	fetches int32
}

func (f *fetchCountingStore) Fetch(ctx context.Context, object, localPath string) error {
	atomic.AddInt32(&f.fetches, 1)
	return f.Memory.Fetch(ctx, object, localPath)
}

// TestRunCancelBetweenClaimAndFetch checks a cancel landing right after the
// claim stops the run before the input object is even downloaded.
func TestRunCancelBetweenClaimAndFetch(t *testing.T) {
	env := newTestEnv(t, nil)
	arts := &fetchCountingStore{Memory: env.artifacts}
	env.runner = NewRunner(env.store, arts, env.arbiter, env.factory, env.cfg, t.TempDir(), testLogger())
	env.runner.cancelPoll = time.Millisecond

	var once sync.Once
	env.store.after = func(s snapshot) {
		if s.status == job.StatusProcessing {
			once.Do(func() {
				_, err := env.store.Store.Update(context.Background(), "job-1", job.StatusProcessing, func(j *job.Job) error {
					j.CancelRequested = true
					return nil
				})
				if err != nil {
					t.Errorf("failed to flag cancel: %v", err)
				}
			})
		}
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if n := atomic.LoadInt32(&arts.fetches); n != 0 {
		t.Fatalf("input fetched %d times after cancel", n)
	}
	if env.factory.transcribe.calls != 0 {
		t.Fatal("a stage ran after cancel")
	}
}

// TestRunHoldsArbiterDuringGPUStage checks the lease is held while a
// gpu-bound stage executes and released afterwards.
func TestRunHoldsArbiterDuringGPUStage(t *testing.T) {
	env := newTestEnv(t, nil)
	var holderDuringTranscribe string
	env.factory.transcribe.fn = func(ctx context.Context, p *stage.Payload) error {
		h, err := env.arbiter.Holder(ctx)
		if err != nil {
			return err
		}
		holderDuringTranscribe = h
		p.Transcript = "text"
		return nil
	}
	var holderDuringSummarize string
	env.factory.summarize.fn = func(ctx context.Context, p *stage.Payload) error {
		h, err := env.arbiter.Holder(ctx)
		if err != nil {
			return err
		}
		holderDuringSummarize = h
		p.Summary = "# s"
		path := filepath.Join(p.WorkDir, "summary.md")
		if err := os.WriteFile(path, []byte("# s"), 0o644); err != nil {
			return err
		}
		p.Outputs = append(p.Outputs, stage.Output{Name: "summary.md", Path: path})
		return nil
	}
	env.submit(t, job.TypeAudioPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if holderDuringTranscribe == "" {
		t.Fatal("no lease held during the transcribe stage")
	}
	if holderDuringSummarize != "" {
		t.Fatal("lease held during a non-gpu stage")
	}
	if h, _ := env.arbiter.Holder(context.Background()); h != "" {
		t.Fatalf("lease still held after the run: %s", h)
	}
}

// TestRunTranscriptPipelineSkipsAudioStages checks the text job type.
func TestRunTranscriptPipelineSkipsAudioStages(t *testing.T) {
	env := newTestEnv(t, nil)
	var sawTranscript string
	env.factory.summarize.fn = func(ctx context.Context, p *stage.Payload) error {
		sawTranscript = p.Transcript
		p.Summary = "# s"
		path := filepath.Join(p.WorkDir, "summary.md")
		if err := os.WriteFile(path, []byte("# s"), 0o644); err != nil {
			return err
		}
		p.Outputs = append(p.Outputs, stage.Output{Name: "summary.md", Path: path})
		return nil
	}
	env.submit(t, job.TypeTranscriptPipeline, nil)

	if err := env.runner.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := env.store.Load(context.Background(), "job-1")
	if final.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if env.factory.transcribe.calls != 0 || env.factory.diarize.calls != 0 {
		t.Fatal("audio stages ran for a transcript job")
	}
	if sawTranscript != "raw input bytes" {
		t.Fatalf("summarize transcript = %q, want the fetched input", sawTranscript)
	}
}
