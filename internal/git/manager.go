// Package git provides read-only Git queries for the release pipeline.
//
// Design decisions:
//   - We shell out to `git` rather than using a Go Git library because
//     `git describe` and revision ranges are what release tooling in CI
//     already relies on.
//   - All errors from Git commands are wrapped in model.CLIError with
//     ExitGitError to enable proper CLI exit code handling.
package git

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// Field and record separators used in the `git log` format string. ASCII
// unit/record separators never appear in commit messages in practice.
const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Commit is one entry of the commit log handed to the commit analyzer.
type Commit struct {
	// SHA is the full commit hash.
	SHA string `json:"sha"`

	// Subject is the first line of the commit message.
	Subject string `json:"subject"`

	// Body is the rest of the commit message, trimmed.
	Body string `json:"body,omitempty"`
}

// Manager provides Git operations by invoking the git CLI.
//
// It is stateless; all methods receive the repository path as a
// parameter.
type Manager struct{}

// NewManager creates a new Git Manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// GetRepoRoot returns the absolute path to the top-level directory of the
// Git repository containing the given path.
func (m *Manager) GetRepoRoot(path string) (string, error) {
	output, err := runGit(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// GetCurrentBranch returns the short name of the checked-out branch, or
// "HEAD" when detached (the usual state in CI checkouts).
func (m *Manager) GetCurrentBranch(path string) (string, error) {
	output, err := runGit(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// HeadCommit returns the full SHA of HEAD. The source-control release is
// created against this commit.
func (m *Manager) HeadCommit(repoPath string) (string, error) {
	output, err := runGit(repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// LastTag returns the most recent tag reachable from HEAD that matches
// "<prefix>*". The boolean is false when the repository has no such tag,
// which means the next release is the project's first.
func (m *Manager) LastTag(repoPath, prefix string) (string, bool, error) {
	output, err := runGit(repoPath, "describe", "--tags", "--abbrev=0", "--match", prefix+"*")
	if err != nil {
		// `git describe` exits 128 with "No names found" (or "No tags can
		// describe") when there is nothing to describe. Both mean "no tag".
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) && isNoTagMessage(cliErr.Message) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(output), true, nil
}

// TagExists reports whether a tag with the exact name exists locally.
func (m *Manager) TagExists(repoPath, tag string) bool {
	_, err := runGit(repoPath, "rev-parse", "--verify", "--quiet", "refs/tags/"+tag)
	return err == nil
}

// CommitsSince returns the commits reachable from HEAD but not from tag,
// newest first. An empty tag returns the full history.
func (m *Manager) CommitsSince(repoPath, tag string) ([]Commit, error) {
	args := []string{"log", "--format=%H" + fieldSep + "%s" + fieldSep + "%b" + recordSep}
	if tag != "" {
		args = append(args, tag+"..HEAD")
	} else {
		args = append(args, "HEAD")
	}

	output, err := runGit(repoPath, args...)
	if err != nil {
		return nil, err
	}
	return parseLogOutput(output), nil
}

// isNoTagMessage detects the `git describe` failures that only mean the
// repository has no matching tag.
func isNoTagMessage(msg string) bool {
	return strings.Contains(msg, "No names found") ||
		strings.Contains(msg, "No tags can describe") ||
		strings.Contains(msg, "cannot describe")
}

// runGit executes a git command with the given arguments in the specified
// directory.
//
// On success it returns stdout. On failure it returns a model.CLIError
// with ExitGitError, including stderr in the message for debugging.
func runGit(repoPath string, args ...string) (string, error) {
	// -C makes git operate in the target directory without changing the
	// process working directory.
	fullArgs := append([]string{"-C", repoPath}, args...)

	// #nosec G204: args are constructed internally, not from user input
	cmd := exec.Command("git", fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", model.WrapCLIError(model.ExitGitError, message, err)
	}

	return stdout.String(), nil
}

// parseLogOutput parses the output of
// `git log --format=%H<US>%s<US>%b<RS>` into Commits.
//
// Example input (US = \x1f, RS = \x1e):
//
//	abc123<US>feat: add parser<US>Longer body<RS>
//	def456<US>fix: typo<US><RS>
func parseLogOutput(output string) []Commit {
	var commits []Commit
	for _, record := range strings.Split(output, recordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, fieldSep, 3)
		c := Commit{SHA: strings.TrimSpace(fields[0])}
		if len(fields) > 1 {
			c.Subject = strings.TrimSpace(fields[1])
		}
		if len(fields) > 2 {
			c.Body = strings.TrimSpace(fields[2])
		}
		commits = append(commits, c)
	}
	return commits
}
