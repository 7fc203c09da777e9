// Package command runs external programs (gh, git, registry clients,
// analyzer tools) behind a small interface so callers can be tested with
// a fake runner.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// RunOpts configures a single command execution.
type RunOpts struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the current process environment.
	Env map[string]string

	// Stdin, if non-nil, is connected to the command's standard input.
	Stdin io.Reader
}

// Result holds the captured output of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external commands.
//
// A non-zero exit status is reported through Result.ExitCode, not as an
// error. The error return is reserved for failures to start the process
// or for context cancellation.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts RunOpts) (Result, error)
}

// OSRunner is the Runner backed by os/exec.
type OSRunner struct{}

// NewOSRunner returns a Runner that executes real processes.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

// Run implements Runner.
func (r *OSRunner) Run(ctx context.Context, name string, args []string, opts RunOpts) (Result, error) {
	// #nosec G204 -- commands come from the pipeline configuration.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}

	// The context error takes priority: a killed process also reports an
	// ExitError, but the caller needs to know it was a timeout/cancel.
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("failed to run %s: %w", name, err)
}

// Summary formats a failed result for error messages: the exit code plus
// the trimmed stderr (or stdout when stderr is empty), bounded in length.
func Summary(res Result) string {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	const maxLen = 512
	if len(out) > maxLen {
		out = out[:maxLen] + "..."
	}
	if out == "" {
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", res.ExitCode, out)
}
