package pipeline

import (
	"testing"
	"time"

	"audiobrief/internal/job"
)

func TestProjectProcessingShowsStage(t *testing.T) {
	now := time.Now()
	j := &job.Job{
		ID:              "j1",
		Type:            job.TypeAudioPipeline,
		Status:          job.StatusProcessing,
		CurrentStage:    job.StageSummarize,
		ProgressPercent: 70,
		ProgressMessage: "Generating summary...",
		CreatedAt:       now,
		ExpiresAt:       now.Add(24 * time.Hour),
	}

	r := Project(j, now)
	if r.Stage != job.StageSummarize {
		t.Fatalf("Stage = %s, want summarize", r.Stage)
	}
	if r.Downloadable {
		t.Fatal("processing job reported downloadable")
	}
	if r.ProgressPercent != 70 {
		t.Fatalf("ProgressPercent = %d", r.ProgressPercent)
	}
}

func TestProjectCompletedHidesStage(t *testing.T) {
	now := time.Now()
	finished := now.Add(-time.Minute)
	j := &job.Job{
		ID:              "j1",
		Type:            job.TypeAudioPipeline,
		Status:          job.StatusCompleted,
		CurrentStage:    job.StageRender,
		ProgressPercent: 100,
		Artifacts: []job.Artifact{
			{Name: "summary.md", Size: 2048, SHA256: "abc"},
			{Name: "report.pdf", Size: 5 << 20, SHA256: "def"},
		},
		CreatedAt:  now.Add(-time.Hour),
		FinishedAt: &finished,
		ExpiresAt:  now.Add(23 * time.Hour),
	}

	r := Project(j, now)
	if r.Stage != "" {
		t.Fatalf("Stage = %s, want empty on a terminal job", r.Stage)
	}
	if !r.Downloadable {
		t.Fatal("completed job with artifacts not downloadable")
	}
	if len(r.Artifacts) != 2 {
		t.Fatalf("Artifacts = %d, want 2", len(r.Artifacts))
	}
	if r.Artifacts[0].SizeHuman != "2.0 KB" {
		t.Fatalf("SizeHuman = %q", r.Artifacts[0].SizeHuman)
	}
}

func TestProjectExpiredNotDownloadable(t *testing.T) {
	now := time.Now()
	j := &job.Job{
		ID:        "j1",
		Status:    job.StatusCompleted,
		Artifacts: []job.Artifact{{Name: "report.pdf", Size: 1}},
		ExpiresAt: now.Add(-time.Minute),
	}
	if Project(j, now).Downloadable {
		t.Fatal("expired job reported downloadable")
	}
}
