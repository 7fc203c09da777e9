// Package analyzer adapts external commit analyzers to the pipeline.
//
// The pipeline treats the analyzer as an opaque decision oracle: it never
// derives versions from commit messages itself. Analyzer is the seam that
// lets a different versioning policy be plugged in without touching the
// orchestrator.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shinji-kodama/release-pipeline/internal/command"
	"github.com/shinji-kodama/release-pipeline/internal/git"
	"github.com/shinji-kodama/release-pipeline/internal/manifest"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// Analyzer produces the version decision for one pipeline run.
type Analyzer interface {
	Analyze(ctx context.Context) (model.VersionDecision, error)
}

// History is the subset of git.Manager the command analyzer needs.
type History interface {
	LastTag(repoPath, prefix string) (string, bool, error)
	CommitsSince(repoPath, tag string) ([]git.Commit, error)
}

// Request is the JSON document written to the analyzer command's stdin.
type Request struct {
	// PreviousTag is the last release tag, empty for a first release.
	PreviousTag string `json:"previousTag,omitempty"`

	// PreviousVersion is PreviousTag without its prefix.
	PreviousVersion string `json:"previousVersion,omitempty"`

	// Commits are the commits since PreviousTag, newest first.
	Commits []git.Commit `json:"commits"`
}

// Response is the JSON document the analyzer command prints on stdout.
type Response struct {
	HasRelease      bool   `json:"hasRelease"`
	NextVersion     string `json:"nextVersion,omitempty"`
	PreviousVersion string `json:"previousVersion,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// Command runs an external commit-analysis tool.
//
// The tool receives a Request on stdin and must print a Response on
// stdout. A non-zero exit status is an analyzer failure, not a "no
// release" answer.
type Command struct {
	// Argv is the analyzer command line (program followed by arguments).
	Argv []string

	// RepoPath is the repository whose history is analyzed.
	RepoPath string

	// TagPrefix is the release tag prefix, usually "v".
	TagPrefix string

	History History
	Runner  command.Runner
}

// Analyze implements Analyzer.
func (c *Command) Analyze(ctx context.Context) (model.VersionDecision, error) {
	if len(c.Argv) == 0 {
		return model.VersionDecision{}, fmt.Errorf("analyzer: no command configured")
	}

	// Step 1: Find the last release tag. Its absence means first release.
	tag, found, err := c.History.LastTag(c.RepoPath, c.TagPrefix)
	if err != nil {
		return model.VersionDecision{}, fmt.Errorf("analyzer: %w", err)
	}

	// Step 2: Collect the commit log since that tag.
	commits, err := c.History.CommitsSince(c.RepoPath, tag)
	if err != nil {
		return model.VersionDecision{}, fmt.Errorf("analyzer: %w", err)
	}

	req := Request{Commits: commits}
	if req.Commits == nil {
		// Serialize as [] rather than null for the external tool.
		req.Commits = []git.Commit{}
	}
	if found {
		req.PreviousTag = tag
		req.PreviousVersion = strings.TrimPrefix(tag, c.TagPrefix)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return model.VersionDecision{}, fmt.Errorf("analyzer: encode request: %w", err)
	}

	// Step 3: Hand the log to the external tool and read its verdict.
	res, err := c.Runner.Run(ctx, c.Argv[0], c.Argv[1:], command.RunOpts{
		Dir:   c.RepoPath,
		Stdin: bytes.NewReader(payload),
	})
	if err != nil {
		return model.VersionDecision{}, fmt.Errorf("analyzer: %w", err)
	}
	if res.ExitCode != 0 {
		return model.VersionDecision{}, fmt.Errorf("analyzer: %s failed: %s", c.Argv[0], command.Summary(res))
	}

	var resp Response
	if err := json.Unmarshal([]byte(res.Stdout), &resp); err != nil {
		return model.VersionDecision{}, fmt.Errorf("analyzer: invalid output from %s: %w", c.Argv[0], err)
	}

	// Fall back to the tag-derived previous version when the tool omits it.
	if resp.PreviousVersion == "" {
		resp.PreviousVersion = req.PreviousVersion
	}
	return Decide(resp)
}

// Decide converts an analyzer Response into a VersionDecision and enforces
// the analyzer-side invariant next > previous.
func Decide(resp Response) (model.VersionDecision, error) {
	if !resp.HasRelease {
		return model.NoRelease(), nil
	}

	next, err := model.ParseSemVer(resp.NextVersion)
	if err != nil {
		return model.VersionDecision{}, fmt.Errorf("analyzer: next version: %w", err)
	}

	var previous *model.SemVer
	if resp.PreviousVersion != "" {
		p, err := model.ParseSemVer(resp.PreviousVersion)
		if err != nil {
			return model.VersionDecision{}, fmt.Errorf("analyzer: previous version: %w", err)
		}
		if next.Compare(p) <= 0 {
			return model.VersionDecision{}, fmt.Errorf("analyzer: next version %s is not greater than previous version %s", next, p)
		}
		previous = &p
	}

	return model.Release(next, previous, resp.Notes), nil
}

// Manual is the analyzer for the manual path: the next version is given
// on the command line and the previous version is read from the manifest.
type Manual struct {
	// Next is the version string as typed by the operator.
	Next string

	// ManifestPath is the manifest whose current declaration is the
	// previous version.
	ManifestPath string

	// Notes are optional release notes supplied by the operator.
	Notes string
}

// Analyze implements Analyzer.
func (m *Manual) Analyze(_ context.Context) (model.VersionDecision, error) {
	next, err := model.ParseSemVer(m.Next)
	if err != nil {
		return model.VersionDecision{}, err
	}

	text, err := manifest.ReadFile(m.ManifestPath)
	if err != nil {
		return model.VersionDecision{}, err
	}
	previous, err := manifest.Parse(text)
	if err != nil {
		return model.VersionDecision{}, err
	}

	resp := Response{HasRelease: true, NextVersion: next.String(), PreviousVersion: previous.String(), Notes: m.Notes}
	if resp.Notes == "" {
		resp.Notes = fmt.Sprintf("Release %s", next.Tag())
	}
	return Decide(resp)
}

// Static returns a fixed decision. It is used by tests and by callers that
// obtained the decision elsewhere.
type Static struct {
	Decision model.VersionDecision
	Err      error
}

// Analyze implements Analyzer.
func (s *Static) Analyze(_ context.Context) (model.VersionDecision, error) {
	return s.Decision, s.Err
}
