// Package publish implements the two publish targets of a release: the
// tagged source-control release (GitHub, through the gh CLI) and the
// package registry upload (a configured command such as cargo publish).
//
// Both targets expect duplicates to be rejected by the remote side. A
// rejection is reported as a failure, never as success.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shinji-kodama/release-pipeline/internal/command"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// ErrDuplicateVersion is wrapped by publish errors caused by the target
// already holding the version.
var ErrDuplicateVersion = errors.New("version already published")

// Release is the input of the source-control publish.
type Release struct {
	Version         model.SemVer
	PreviousVersion *model.SemVer

	// Notes are the release notes produced by the analyzer.
	Notes string

	// Target is the commit the tag points at. Empty means the default
	// branch head as seen by the remote.
	Target string
}

// Tag returns the release tag for the given prefix.
func (r Release) Tag(prefix string) string {
	return prefix + r.Version.String()
}

// GitHub creates GitHub releases with the gh CLI.
type GitHub struct {
	Runner command.Runner

	// Repo is the OWNER/NAME passed to -R. Empty lets gh infer it from
	// the working directory.
	Repo string

	// Dir is the working directory for gh.
	Dir string

	// TagPrefix prefixes the version in the tag name, usually "v".
	TagPrefix string
}

// nonInteractiveEnv keeps gh and git from prompting.
func nonInteractiveEnv() map[string]string {
	return map[string]string{
		"GH_PROMPT_DISABLED":  "1",
		"GIT_TERMINAL_PROMPT": "0",
	}
}

// Publish creates the tagged release. Notes are passed on stdin so their
// size and content are not limited by the command line.
func (g *GitHub) Publish(ctx context.Context, r Release) error {
	tag := r.Tag(g.TagPrefix)
	args := []string{"release", "create", tag, "--title", tag, "--notes-file", "-"}
	if r.Target != "" {
		args = append(args, "--target", r.Target)
	}
	args = g.withRepo(args)

	res, err := g.Runner.Run(ctx, "gh", args, command.RunOpts{
		Dir:   g.Dir,
		Env:   nonInteractiveEnv(),
		Stdin: strings.NewReader(r.Notes),
	})
	if err != nil {
		return fmt.Errorf("gh release create %s: %w", tag, err)
	}
	if res.ExitCode != 0 {
		if isDuplicate(res.Stderr) {
			return fmt.Errorf("gh release create %s: %w: %s", tag, ErrDuplicateVersion, command.Summary(res))
		}
		return fmt.Errorf("gh release create %s failed: %s", tag, command.Summary(res))
	}
	return nil
}

// Exists reports whether a release for tag already exists.
func (g *GitHub) Exists(ctx context.Context, tag string) (bool, error) {
	args := g.withRepo([]string{"release", "view", tag, "--json", "tagName"})
	res, err := g.Runner.Run(ctx, "gh", args, command.RunOpts{Dir: g.Dir, Env: nonInteractiveEnv()})
	if err != nil {
		return false, fmt.Errorf("gh release view %s: %w", tag, err)
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if strings.Contains(strings.ToLower(res.Stderr), "release not found") {
		return false, nil
	}
	return false, fmt.Errorf("gh release view %s failed: %s", tag, command.Summary(res))
}

func (g *GitHub) withRepo(args []string) []string {
	if g.Repo != "" {
		args = append(args, "-R", g.Repo)
	}
	return args
}

func isDuplicate(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "already exists") || strings.Contains(s, "already_exists") ||
		strings.Contains(s, "already uploaded")
}
