package publish

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/release-pipeline/internal/command"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// fakeRunner records every invocation and replays a fixed result.
type fakeRunner struct {
	result command.Result
	err    error

	name  string
	args  []string
	opts  command.RunOpts
	stdin string
	calls int
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, opts command.RunOpts) (command.Result, error) {
	f.calls++
	f.name, f.args, f.opts = name, args, opts
	if opts.Stdin != nil {
		b, _ := io.ReadAll(opts.Stdin)
		f.stdin = string(b)
	}
	return f.result, f.err
}

func testRelease() Release {
	prev := model.MustParseSemVer("1.2.1")
	return Release{
		Version:         model.MustParseSemVer("1.3.0"),
		PreviousVersion: &prev,
		Notes:           "### Features\n* r214 metadata",
		Target:          "0123abcd",
	}
}

// TestGitHub_Publish verifies the gh invocation.
func TestGitHub_Publish(t *testing.T) {
	runner := &fakeRunner{}
	g := &GitHub{Runner: runner, Repo: "pwwang/gtdb", Dir: "/repo", TagPrefix: "v"}

	require.NoError(t, g.Publish(context.Background(), testRelease()))

	assert.Equal(t, "gh", runner.name)
	assert.Equal(t, []string{
		"release", "create", "v1.3.0", "--title", "v1.3.0", "--notes-file", "-",
		"--target", "0123abcd", "-R", "pwwang/gtdb",
	}, runner.args)
	assert.Equal(t, "/repo", runner.opts.Dir)
	assert.Equal(t, "1", runner.opts.Env["GH_PROMPT_DISABLED"])
	assert.Equal(t, "### Features\n* r214 metadata", runner.stdin)
}

// TestGitHub_Publish_Failures covers start failures, rejections and
// duplicates.
func TestGitHub_Publish_Failures(t *testing.T) {
	tests := []struct {
		name          string
		runner        *fakeRunner
		wantDuplicate bool
	}{
		{"gh missing", &fakeRunner{err: errors.New("executable file not found")}, false},
		{"auth failure", &fakeRunner{result: command.Result{ExitCode: 1, Stderr: "HTTP 401: Bad credentials"}}, false},
		{"tag exists", &fakeRunner{result: command.Result{ExitCode: 1, Stderr: "HTTP 422: Validation Failed (tag_name already_exists)"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &GitHub{Runner: tt.runner, TagPrefix: "v"}
			err := g.Publish(context.Background(), testRelease())
			require.Error(t, err)
			assert.Equal(t, tt.wantDuplicate, errors.Is(err, ErrDuplicateVersion))
		})
	}
}

// TestGitHub_Publish_NoTarget verifies --target is omitted when unknown.
func TestGitHub_Publish_NoTarget(t *testing.T) {
	runner := &fakeRunner{}
	r := testRelease()
	r.Target = ""

	require.NoError(t, (&GitHub{Runner: runner, TagPrefix: "v"}).Publish(context.Background(), r))
	assert.NotContains(t, runner.args, "--target")
	assert.NotContains(t, runner.args, "-R")
}

// TestGitHub_Exists covers found, not found and lookup failures.
func TestGitHub_Exists(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		want     bool
		hasError bool
	}{
		{"found", &fakeRunner{result: command.Result{Stdout: `{"tagName":"v1.3.0"}`}}, true, false},
		{"not found", &fakeRunner{result: command.Result{ExitCode: 1, Stderr: "release not found"}}, false, false},
		{"network error", &fakeRunner{result: command.Result{ExitCode: 1, Stderr: "dial tcp: timeout"}}, false, true},
		{"gh missing", &fakeRunner{err: errors.New("not found")}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &GitHub{Runner: tt.runner, Repo: "o/r", TagPrefix: "v"}
			got, err := g.Exists(context.Background(), "v1.3.0")
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{"release", "view", "v1.3.0", "--json", "tagName", "-R", "o/r"}, tt.runner.args)
		})
	}
}

var testTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testArtifact() model.ReleaseArtifact {
	return model.NewReleaseArtifact("run-1", model.MustParseSemVer("1.3.0"), "Cargo.toml", []byte("version = \"1.3.0\"\n"), testTime)
}

// TestRegistry_Publish verifies the default command and its environment.
func TestRegistry_Publish(t *testing.T) {
	runner := &fakeRunner{}
	r := &Registry{Runner: runner, Env: map[string]string{"CARGO_REGISTRY_TOKEN": "secret"}}

	require.NoError(t, r.Publish(context.Background(), "/work", testArtifact()))

	assert.Equal(t, "cargo", runner.name)
	assert.Equal(t, []string{"publish", "--allow-dirty"}, runner.args)
	assert.Equal(t, "/work", runner.opts.Dir)
	assert.Equal(t, "1.3.0", runner.opts.Env["RELEASE_VERSION"])
	assert.Equal(t, "v1.3.0", runner.opts.Env["RELEASE_TAG"])
	assert.Equal(t, "secret", runner.opts.Env["CARGO_REGISTRY_TOKEN"])
}

// TestRegistry_Publish_CustomCommand verifies a configured command line.
func TestRegistry_Publish_CustomCommand(t *testing.T) {
	runner := &fakeRunner{}
	r := &Registry{Runner: runner, Argv: []string{"./scripts/upload.sh", "--channel", "stable"}}

	require.NoError(t, r.Publish(context.Background(), "/work", testArtifact()))
	assert.Equal(t, "./scripts/upload.sh", runner.name)
	assert.Equal(t, []string{"--channel", "stable"}, runner.args)
}

// TestRegistry_Publish_Failures verifies duplicates are failures that can
// be told apart from other rejections.
func TestRegistry_Publish_Failures(t *testing.T) {
	tests := []struct {
		name          string
		runner        *fakeRunner
		wantDuplicate bool
	}{
		{"cargo missing", &fakeRunner{err: errors.New("not found")}, false},
		{"network", &fakeRunner{result: command.Result{ExitCode: 101, Stderr: "error: failed to get a 200 OK response"}}, false},
		{"duplicate", &fakeRunner{result: command.Result{ExitCode: 101, Stderr: "error: crate version `1.3.0` is already uploaded"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Registry{Runner: tt.runner}).Publish(context.Background(), "/work", testArtifact())
			require.Error(t, err)
			assert.Equal(t, tt.wantDuplicate, errors.Is(err, ErrDuplicateVersion))
		})
	}
}
