// Package stage wraps each external engine behind a uniform executor
// contract. Executors are pure request/response adapters: they perform no
// persistence, and return raw output for the orchestrator to thread into
// the next stage.
package stage

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"audiobrief/internal/job"
)

// Payload is the accumulated pipeline input threaded between stages. The
// orchestrator never interprets its contents; each stage reads the fields
// it needs and fills in what it produces.
type Payload struct {
	WorkDir    string
	AudioPath  string
	Title      string
	Transcript string
	Summary    string
	Outputs    []Output
}

// Output is one file produced for upload to the artifact store.
type Output struct {
	Name string
	Path string
}

// Executor is the uniform shape of all four stages.
type Executor interface {
	Name() job.Stage
	Execute(ctx context.Context, p *Payload) error
}

// RunResult captures one external command invocation.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution so tests can substitute fakes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (RunResult, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}
