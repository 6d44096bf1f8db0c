package job

import (
	"fmt"
	"time"
)

// Type selects which stage plan a job runs.
type Type string

const (
	TypeAudioPipeline      Type = "audio_pipeline"
	TypeTranscriptPipeline Type = "transcript_pipeline"
)

// Status enumerates lifecycle states persisted in the job store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Stage tags one discrete unit of pipeline work.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageDiarize    Stage = "diarize"
	StageSummarize  Stage = "summarize"
	StageRender     Stage = "render"
)

// Params is the immutable configuration snapshot frozen at submission.
type Params struct {
	Title             string `json:"title"`
	OriginalFilename  string `json:"original_filename"`
	InputObject       string `json:"input_object"`
	WhisperModel      string `json:"whisper_model,omitempty"`
	SummarizerModel   string `json:"summarizer_model"`
	EnableDiarization bool   `json:"enable_diarization"`
	MinSpeakers       int    `json:"min_speakers,omitempty"`
	MaxSpeakers       int    `json:"max_speakers,omitempty"`
	OutputFormat      string `json:"output_format"`
	Language          string `json:"language,omitempty"`
}

// Artifact describes one downloadable output object.
type Artifact struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Job is the durable record mutated only through store compare-and-swap.
type Job struct {
	ID              string     `json:"job_id" db:"id"`
	Type            Type       `json:"job_type" db:"job_type"`
	Status          Status     `json:"status" db:"status"`
	CurrentStage    Stage      `json:"current_stage,omitempty" db:"current_stage"`
	ProgressPercent int        `json:"progress_percent" db:"progress_percent"`
	ProgressMessage string     `json:"progress_message,omitempty" db:"progress_message"`
	ErrorMessage    string     `json:"error,omitempty" db:"error_message"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	Params          Params     `json:"params" db:"-"`
	Artifacts       []Artifact `json:"artifacts,omitempty" db:"-"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
}

// StageResult is the transient outcome of one stage attempt. It is folded
// into the job record and never persisted on its own.
type StageResult struct {
	Stage    Stage
	Err      error
	Duration time.Duration
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TerminalStatuses lists the states the sweeper is allowed to reclaim.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}

// CanTransition enforces the allowed state machine edges. The machine only
// moves forward: a job never re-enters pending after leaving it.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Transition validates and applies a status change, stamping FinishedAt on
// entry to a terminal state.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid transition: %s -> %s", j.Status, to)
	}
	j.Status = to
	if to == StatusProcessing && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.IsTerminal() {
		t := now
		j.FinishedAt = &t
	}
	return nil
}

// SetProgress updates the progress projection. Percent is clamped to 0-100
// and never moves backwards within a run.
func (j *Job) SetProgress(message string, percent int) {
	j.ProgressMessage = message
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > j.ProgressPercent {
		j.ProgressPercent = percent
	}
}

// Downloadable reports whether artifacts can be served: completed, at least
// one artifact, and not past the retention window.
func (j *Job) Downloadable(now time.Time) bool {
	return j.Status == StatusCompleted && len(j.Artifacts) > 0 && now.Before(j.ExpiresAt)
}

// Expired reports whether the job is past its retention window. Only
// terminal jobs are ever reclaimed; a processing job is exempt until it
// reaches a terminal state.
func (j *Job) Expired(now time.Time) bool {
	return j.Status.IsTerminal() && !now.Before(j.ExpiresAt)
}

// HumanSize converts bytes to a human readable string for status displays.
func HumanSize(size int64) string {
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024.0 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024.0
	}
	return fmt.Sprintf("%.1f TB", value)
}
