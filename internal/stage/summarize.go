package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"audiobrief/internal/job"
)

const topicPrompt = `What follows is a transcript of a meeting. Produce proper markdown with:
1. For each key topic discussed: a descriptive name as a level 2 header (##),
   followed by a bulleted list of key points using dashes (-), with action
   items highlighted in bold.
Do not include anything else: no numbered sections, no HTML, no preamble.

`

const execSummaryPrompt = `What follows is a list of key topics discussed in a meeting. Write EXACTLY
ONE PARAGRAPH summarizing the meeting, under 150 words, plain markdown, no
bullet points and no line breaks. Write only the paragraph.

`

// Summarizer calls an Ollama-compatible inference service to turn a
// transcript into a formatted markdown summary document: an executive
// summary paragraph followed by per-topic bullet sections.
type Summarizer struct {
	host   string
	model  string
	client *http.Client
}

// NewSummarizer builds the production summarize stage. The per-stage
// timeout comes from the orchestrator's ctx, so the client itself does not
// impose one.
func NewSummarizer(host, model string, client *http.Client) *Summarizer {
	if client == nil {
		client = &http.Client{}
	}
	return &Summarizer{host: strings.TrimRight(host, "/"), model: model, client: client}
}

// Name returns the stage tag.
func (s *Summarizer) Name() job.Stage { return job.StageSummarize }

// Execute generates the summary document and records it as an output.
func (s *Summarizer) Execute(ctx context.Context, p *Payload) error {
	if strings.TrimSpace(p.Transcript) == "" {
		return Permanent(job.StageSummarize, "no transcript to summarize", nil)
	}

	topics, err := s.generate(ctx, topicPrompt+p.Transcript)
	if err != nil {
		return err
	}

	execSummary, err := s.generate(ctx, execSummaryPrompt+topics)
	if err != nil {
		return err
	}

	title := p.Title
	if title == "" {
		title = "Meeting Summary"
	}
	var doc strings.Builder
	fmt.Fprintf(&doc, "# %s\n\n", title)
	fmt.Fprintf(&doc, "*%s*\n\n", time.Now().Format("January 2, 2006"))
	doc.WriteString("## Executive Summary\n\n")
	doc.WriteString(strings.TrimSpace(execSummary))
	doc.WriteString("\n\n")
	doc.WriteString(strings.TrimSpace(topics))
	doc.WriteString("\n")

	summaryPath := filepath.Join(p.WorkDir, "summary.md")
	if err := os.WriteFile(summaryPath, []byte(doc.String()), 0o644); err != nil {
		return Transient(job.StageSummarize, "write summary document", err)
	}

	p.Summary = doc.String()
	p.Outputs = append(p.Outputs, Output{Name: "summary.md", Path: summaryPath})
	return nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// generate performs one non-streaming /api/generate call.
func (s *Summarizer) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: s.model, Prompt: prompt})
	if err != nil {
		return "", Permanent(job.StageSummarize, "encode inference request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", Permanent(job.StageSummarize, "build inference request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", Classify(job.StageSummarize, ctx.Err())
		}
		return "", Transient(job.StageSummarize, "inference service unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", Transient(job.StageSummarize, "read inference response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return "", Transient(job.StageSummarize,
			fmt.Sprintf("inference service error (status %d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		// Client errors (unknown model, malformed request) will not heal
		// on retry.
		return "", Permanent(job.StageSummarize,
			fmt.Sprintf("inference request rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(payload))), nil)
	}

	var out generateResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", Transient(job.StageSummarize, "decode inference response", err)
	}
	if out.Error != "" {
		return "", Transient(job.StageSummarize, "inference failed: "+out.Error, nil)
	}

	text := stripReasoning(out.Response)
	if strings.TrimSpace(text) == "" {
		return "", Transient(job.StageSummarize, "inference returned empty output", nil)
	}
	return text, nil
}

// stripReasoning returns the text after a </think> tag when present; some
// models emit their chain of thought before the answer.
func stripReasoning(s string) string {
	if _, after, found := strings.Cut(s, "</think>"); found {
		return strings.TrimSpace(after)
	}
	return s
}
