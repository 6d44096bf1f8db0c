package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"audiobrief/internal/job"
)

// Diarizer runs the speaker diarization CLI over the preprocessed audio and
// replaces the transcript with its speaker-labeled version. The engine
// needs a credential token; a missing token can never succeed, so it is a
// permanent failure.
type Diarizer struct {
	binPath     string
	token       string
	minSpeakers int
	maxSpeakers int
	runner      Runner
}

// NewDiarizer builds the production diarize stage.
func NewDiarizer(binPath, token string, minSpeakers, maxSpeakers int, runner Runner) *Diarizer {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Diarizer{
		binPath:     binPath,
		token:       token,
		minSpeakers: minSpeakers,
		maxSpeakers: maxSpeakers,
		runner:      runner,
	}
}

// Name returns the stage tag.
func (d *Diarizer) Name() job.Stage { return job.StageDiarize }

// Execute labels the transcript with speaker turns.
func (d *Diarizer) Execute(ctx context.Context, p *Payload) error {
	if strings.TrimSpace(d.token) == "" {
		return Permanent(job.StageDiarize, "diarization credential token not configured", nil)
	}
	if p.Transcript == "" {
		return Permanent(job.StageDiarize, "no transcript to diarize", nil)
	}

	wavPath := filepath.Join(p.WorkDir, "preprocessed-16k-mono.wav")
	if _, err := os.Stat(wavPath); err != nil {
		return Permanent(job.StageDiarize, "preprocessed audio missing", err)
	}

	transcriptPath := filepath.Join(p.WorkDir, "transcript-plain.txt")
	if err := os.WriteFile(transcriptPath, []byte(p.Transcript), 0o644); err != nil {
		return Transient(job.StageDiarize, "write transcript for diarization", err)
	}

	outPath := filepath.Join(p.WorkDir, "transcript-diarized.txt")
	args := []string{
		"--audio", wavPath,
		"--transcript", transcriptPath,
		"--token", d.token,
		"--output", outPath,
	}
	if d.minSpeakers > 0 {
		args = append(args, "--min-speakers", strconv.Itoa(d.minSpeakers))
	}
	if d.maxSpeakers > 0 {
		args = append(args, "--max-speakers", strconv.Itoa(d.maxSpeakers))
	}

	if res, err := d.runner.Run(ctx, d.binPath, args...); err != nil {
		if ctx.Err() != nil {
			return Classify(job.StageDiarize, ctx.Err())
		}
		return Transient(job.StageDiarize,
			fmt.Sprintf("diarization engine failed: %s", lastLine(res.Stderr)), err)
	}

	content, err := os.ReadFile(outPath)
	if err != nil {
		return Transient(job.StageDiarize, "diarization produced no output file", err)
	}

	labeled := strings.TrimSpace(string(content))
	if labeled == "" {
		return Permanent(job.StageDiarize, "diarization produced an empty transcript", nil)
	}

	p.Transcript = labeled
	return nil
}
