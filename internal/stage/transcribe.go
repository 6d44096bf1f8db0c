package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"audiobrief/internal/job"
)

// Transcriber converts the uploaded audio to 16kHz mono WAV and runs the
// whisper CLI over it, leaving the plain transcript in the payload.
type Transcriber struct {
	ffmpegPath  string
	whisperPath string
	model       string
	language    string
	runner      Runner
}

// NewTranscriber builds the production transcribe stage.
func NewTranscriber(ffmpegPath, whisperPath, model, language string, runner Runner) *Transcriber {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Transcriber{
		ffmpegPath:  ffmpegPath,
		whisperPath: whisperPath,
		model:       model,
		language:    language,
		runner:      runner,
	}
}

// Name returns the stage tag.
func (t *Transcriber) Name() job.Stage { return job.StageTranscribe }

// Execute converts and transcribes p.AudioPath.
func (t *Transcriber) Execute(ctx context.Context, p *Payload) error {
	if p.AudioPath == "" {
		return Permanent(job.StageTranscribe, "no audio input", nil)
	}
	if _, err := os.Stat(p.AudioPath); err != nil {
		return Permanent(job.StageTranscribe, fmt.Sprintf("cannot access audio file %s", p.AudioPath), err)
	}

	wavPath := filepath.Join(p.WorkDir, "preprocessed-16k-mono.wav")
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", p.AudioPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		wavPath,
	}
	if res, err := t.runner.Run(ctx, t.ffmpegPath, args...); err != nil {
		if ctx.Err() != nil {
			return Classify(job.StageTranscribe, ctx.Err())
		}
		// A conversion failure means the input is not decodable audio.
		return Permanent(job.StageTranscribe,
			fmt.Sprintf("audio conversion failed: %s", lastLine(res.Stderr)), err)
	}

	whisperArgs := []string{
		wavPath,
		"--model", t.model,
		"--output_format", "txt",
		"--output_dir", p.WorkDir,
	}
	if lang := strings.TrimSpace(t.language); lang != "" && !strings.EqualFold(lang, "auto") {
		whisperArgs = append(whisperArgs, "--language", lang)
	}
	if res, err := t.runner.Run(ctx, t.whisperPath, whisperArgs...); err != nil {
		if ctx.Err() != nil {
			return Classify(job.StageTranscribe, ctx.Err())
		}
		// The engine itself failed; it may recover on retry.
		return Transient(job.StageTranscribe,
			fmt.Sprintf("transcription engine failed: %s", lastLine(res.Stderr)), err)
	}

	textPath := filepath.Join(p.WorkDir, transcriptName(wavPath))
	content, err := os.ReadFile(textPath)
	if err != nil {
		return Transient(job.StageTranscribe, "transcription produced no transcript file", err)
	}

	transcript := strings.TrimSpace(string(content))
	if transcript == "" {
		return Permanent(job.StageTranscribe, "transcription produced an empty transcript", nil)
	}

	p.Transcript = transcript
	return nil
}

// transcriptName maps the wav path to the CLI's .txt output name.
func transcriptName(wavPath string) string {
	base := filepath.Base(wavPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".txt"
}

// lastLine extracts the final non-empty stderr line for error messages.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no output"
}
