package pipeline

import (
	"time"

	"audiobrief/internal/job"
)

// ArtifactInfo is one downloadable output in a status projection.
type ArtifactInfo struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	SHA256    string `json:"sha256"`
}

// Report is the polling-friendly snapshot of a job. It carries no state of
// its own: it is recomputed from the record on every poll.
type Report struct {
	JobID           string         `json:"job_id"`
	Type            job.Type       `json:"job_type"`
	Status          job.Status     `json:"status"`
	Stage           job.Stage      `json:"stage,omitempty"`
	ProgressPercent int            `json:"progress_percent"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	Error           string         `json:"error,omitempty"`
	Downloadable    bool           `json:"downloadable"`
	Artifacts       []ArtifactInfo `json:"artifacts,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// Project computes the status snapshot for a job record.
func Project(j *job.Job, now time.Time) Report {
	report := Report{
		JobID:           j.ID,
		Type:            j.Type,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		ProgressMessage: j.ProgressMessage,
		Error:           j.ErrorMessage,
		Downloadable:    j.Downloadable(now),
		CreatedAt:       j.CreatedAt,
		FinishedAt:      j.FinishedAt,
		ExpiresAt:       j.ExpiresAt,
	}
	if j.Status == job.StatusProcessing {
		report.Stage = j.CurrentStage
	}
	for _, a := range j.Artifacts {
		report.Artifacts = append(report.Artifacts, ArtifactInfo{
			Name:      a.Name,
			Size:      a.Size,
			SizeHuman: job.HumanSize(a.Size),
			SHA256:    a.SHA256,
		})
	}
	return report
}
