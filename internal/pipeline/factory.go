package pipeline

import (
	"net/http"

	"audiobrief/internal/config"
	"audiobrief/internal/job"
	"audiobrief/internal/stage"
)

// EngineFactory builds production stage executors from the service config
// and each job's frozen parameters.
type EngineFactory struct {
	cfg    config.Config
	client *http.Client
}

// NewEngineFactory wires the real external engines.
func NewEngineFactory(cfg config.Config) *EngineFactory {
	return &EngineFactory{cfg: cfg, client: &http.Client{}}
}

// Transcriber builds the whisper-backed transcribe stage.
func (f *EngineFactory) Transcriber(p job.Params) stage.Executor {
	model := p.WhisperModel
	if model == "" {
		model = f.cfg.DefaultWhisper
	}
	return stage.NewTranscriber(f.cfg.FFMPEGPath, f.cfg.WhisperPath, model, p.Language, nil)
}

// Diarizer builds the speaker diarization stage.
func (f *EngineFactory) Diarizer(p job.Params) stage.Executor {
	return stage.NewDiarizer(f.cfg.DiarizePath, f.cfg.DiarizeToken, p.MinSpeakers, p.MaxSpeakers, nil)
}

// Summarizer builds the inference-service stage.
func (f *EngineFactory) Summarizer(p job.Params) stage.Executor {
	model := p.SummarizerModel
	if model == "" {
		model = f.cfg.DefaultSummary
	}
	return stage.NewSummarizer(f.cfg.OllamaHost, model, f.client)
}

// Renderer builds the report rendering stage.
func (f *EngineFactory) Renderer(p job.Params) stage.Executor {
	return stage.NewRenderer(f.cfg.PandocPath, p.OutputFormat, nil)
}
