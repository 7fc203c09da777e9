// Package verify runs the project's verification suite against a release
// artifact materialized in a work tree.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// DefaultGracePeriod is the time between SIGINT and SIGKILL when the
// script's process group is terminated.
const DefaultGracePeriod = 3 * time.Second

// tailSize bounds how much script output is kept for the failure message.
const tailSize = 2048

// Script runs a shell script with `sh -lc` in the work tree.
//
// The script inherits the process environment plus RELEASE_RUN_ID,
// RELEASE_VERSION and RELEASE_TAG describing the artifact under test.
// Its stdin is /dev/null and its combined output goes to
// <LogDir>/<run id>/verify.log when LogDir is set.
type Script struct {
	// Script is the shell snippet to run, for example "cargo test --all".
	Script string

	// Env holds extra KEY=VALUE entries appended to the environment.
	Env []string

	// LogDir is the directory receiving per-run verify logs. Empty disables
	// the log file.
	LogDir string

	// GracePeriod overrides DefaultGracePeriod when non-zero.
	GracePeriod time.Duration
}

// Error describes a failed verification run.
type Error struct {
	// ExitCode is the script's exit status, or -1 when it was killed.
	ExitCode int

	// Signal is the terminating signal name, if any.
	Signal string

	TimedOut  bool
	Cancelled bool

	// LogPath is where the full output was written, if anywhere.
	LogPath string

	// Tail is the end of the script's combined output.
	Tail string
}

func (e *Error) Error() string {
	var b strings.Builder
	switch {
	case e.TimedOut:
		b.WriteString("verification timed out")
	case e.Cancelled:
		b.WriteString("verification cancelled")
	case e.Signal != "":
		fmt.Fprintf(&b, "verification killed by %s", e.Signal)
	default:
		fmt.Fprintf(&b, "verification exited with status %d", e.ExitCode)
	}
	if e.LogPath != "" {
		fmt.Fprintf(&b, " (log: %s)", e.LogPath)
	}
	if tail := strings.TrimSpace(e.Tail); tail != "" {
		b.WriteString(": ")
		b.WriteString(lastLine(tail))
	}
	return b.String()
}

// Verify runs the script. It returns nil when the script exits 0 and an
// *Error otherwise. Errors that prevent the script from starting are
// returned as-is.
//
// The deadline of ctx is the stage timeout: when it fires, the whole
// process group is interrupted and then killed.
func (s *Script) Verify(ctx context.Context, workDir string, a model.ReleaseArtifact) error {
	if strings.TrimSpace(s.Script) == "" {
		return fmt.Errorf("verify: no script configured")
	}

	// Step 1: Open the log file, if configured.
	var (
		out     io.Writer = io.Discard
		logPath string
	)
	if s.LogDir != "" {
		logPath = filepath.Join(s.LogDir, a.RunID, "verify.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return fmt.Errorf("verify: create log directory: %w", err)
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("verify: open log file: %w", err)
		}
		defer logFile.Close()

		_, _ = fmt.Fprintf(logFile, "# release-pipeline verify log\n")
		_, _ = fmt.Fprintf(logFile, "# run: %s version: %s\n", a.RunID, a.Version)
		_, _ = fmt.Fprintf(logFile, "# timestamp: %s\n", time.Now().UTC().Format(time.RFC3339))
		_, _ = fmt.Fprintf(logFile, "# command: sh -lc %s\n", s.Script)
		_, _ = fmt.Fprintf(logFile, "# cwd: %s\n", workDir)
		_, _ = fmt.Fprintf(logFile, "# ---\n\n")
		out = logFile
	}
	tail := &tailBuffer{limit: tailSize}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("verify: open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	// Step 2: Start the script in its own process group so the whole tree
	// can be signalled on timeout.
	cmd := exec.Command("sh", "-lc", s.Script)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		"RELEASE_RUN_ID="+a.RunID,
		"RELEASE_VERSION="+a.Version.String(),
		"RELEASE_TAG="+a.Version.Tag(),
	)
	cmd.Stdin = devnull
	cmd.Stdout = io.MultiWriter(out, tail)
	cmd.Stderr = cmd.Stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("verify: start script: %w", err)
	}
	pgid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	// Step 3: Wait for completion, the stage deadline or cancellation.
	var (
		runErr              error
		timedOut, cancelled bool
	)
	select {
	case runErr = <-waitDone:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timedOut = true
		} else {
			cancelled = true
		}
		s.killProcessGroup(pgid)
		runErr = <-waitDone
	}

	if runErr == nil && !timedOut && !cancelled {
		return nil
	}

	verr := &Error{
		ExitCode:  -1,
		TimedOut:  timedOut,
		Cancelled: cancelled,
		LogPath:   logPath,
		Tail:      tail.String(),
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			verr.Signal = status.Signal().String()
		} else {
			verr.ExitCode = exitErr.ExitCode()
		}
	} else if runErr != nil && !timedOut && !cancelled {
		return fmt.Errorf("verify: wait for script: %w", runErr)
	}
	return verr
}

// killProcessGroup sends SIGINT to the group, waits the grace period, then
// sends SIGKILL.
func (s *Script) killProcessGroup(pgid int) {
	grace := s.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}
	_ = syscall.Kill(-pgid, syscall.SIGINT)
	time.Sleep(grace)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
