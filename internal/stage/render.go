package stage

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"audiobrief/internal/job"
)

// htmlShell wraps rendered markdown when the html output format is chosen,
// producing a self-contained document with no external assets.
var htmlShell = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Georgia, serif; max-width: 46em; margin: 2em auto; padding: 0 1em; color: #222; }
h1 { color: navy; border-bottom: 2px solid navy; padding-bottom: 0.2em; }
h2 { color: navy; margin-top: 1.5em; }
li { margin: 0.4em 0; }
</style>
</head>
<body>
<pre style="white-space: pre-wrap; font-family: inherit;">{{.Body}}</pre>
</body>
</html>
`))

// Renderer turns the summary markdown into the final report document:
// a PDF via the pandoc CLI, or a self-contained HTML page.
type Renderer struct {
	pandocPath string
	format     string
	runner     Runner
}

// NewRenderer builds the render stage for the job's output format.
func NewRenderer(pandocPath, format string, runner Runner) *Renderer {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Renderer{pandocPath: pandocPath, format: format, runner: runner}
}

// Name returns the stage tag.
func (r *Renderer) Name() job.Stage { return job.StageRender }

// Execute renders p.Summary and records the report as an output. Rendering
// is a pure function of its input, so any engine failure is permanent.
func (r *Renderer) Execute(ctx context.Context, p *Payload) error {
	if strings.TrimSpace(p.Summary) == "" {
		return Permanent(job.StageRender, "no summary to render", nil)
	}

	switch strings.ToLower(r.format) {
	case "pdf", "":
		return r.renderPDF(ctx, p)
	case "html":
		return r.renderHTML(p)
	default:
		return Permanent(job.StageRender, fmt.Sprintf("unsupported output format %q", r.format), nil)
	}
}

func (r *Renderer) renderPDF(ctx context.Context, p *Payload) error {
	summaryPath := filepath.Join(p.WorkDir, "summary.md")
	if _, err := os.Stat(summaryPath); err != nil {
		return Permanent(job.StageRender, "summary document missing", err)
	}

	reportPath := filepath.Join(p.WorkDir, "report.pdf")
	args := []string{
		summaryPath,
		"-o", reportPath,
		"--pdf-engine=xelatex",
		"-V", "geometry:margin=1in",
		"-V", "colorlinks=true",
	}
	if res, err := r.runner.Run(ctx, r.pandocPath, args...); err != nil {
		if ctx.Err() != nil {
			return Classify(job.StageRender, ctx.Err())
		}
		return Permanent(job.StageRender,
			fmt.Sprintf("pdf rendering failed: %s", lastLine(res.Stderr)), err)
	}

	if _, err := os.Stat(reportPath); err != nil {
		return Permanent(job.StageRender, "renderer completed but report is missing", err)
	}

	p.Outputs = append(p.Outputs, Output{Name: "report.pdf", Path: reportPath})
	return nil
}

func (r *Renderer) renderHTML(p *Payload) error {
	reportPath := filepath.Join(p.WorkDir, "report.html")
	f, err := os.Create(reportPath)
	if err != nil {
		return Transient(job.StageRender, "create report file", err)
	}
	defer f.Close()

	title := p.Title
	if title == "" {
		title = "Meeting Summary"
	}
	data := struct {
		Title string
		Body  string
	}{Title: title, Body: p.Summary}

	if err := htmlShell.Execute(f, data); err != nil {
		return Permanent(job.StageRender, "html rendering failed", err)
	}

	p.Outputs = append(p.Outputs, Output{Name: "report.html", Path: reportPath})
	return nil
}
