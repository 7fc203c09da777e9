package publish

import (
	"context"
	"fmt"

	"github.com/shinji-kodama/release-pipeline/internal/command"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// DefaultRegistryCommand uploads a Rust crate. --allow-dirty is needed
// because the work tree carries the uncommitted manifest artifact.
var DefaultRegistryCommand = []string{"cargo", "publish", "--allow-dirty"}

// Registry uploads the package by running a command in the work tree
// where the artifact was materialized.
type Registry struct {
	Runner command.Runner

	// Argv is the publish command line. Empty means DefaultRegistryCommand.
	Argv []string

	// Env holds extra environment variables, for example the registry
	// token.
	Env map[string]string
}

// Publish runs the registry command for the artifact.
func (r *Registry) Publish(ctx context.Context, workDir string, a model.ReleaseArtifact) error {
	argv := r.Argv
	if len(argv) == 0 {
		argv = DefaultRegistryCommand
	}

	env := map[string]string{
		"RELEASE_RUN_ID":  a.RunID,
		"RELEASE_VERSION": a.Version.String(),
		"RELEASE_TAG":     a.Version.Tag(),
	}
	for k, v := range r.Env {
		env[k] = v
	}

	res, err := r.Runner.Run(ctx, argv[0], argv[1:], command.RunOpts{Dir: workDir, Env: env})
	if err != nil {
		return fmt.Errorf("registry publish %s: %w", a.Version, err)
	}
	if res.ExitCode != 0 {
		if isDuplicate(res.Stderr) || isDuplicate(res.Stdout) {
			return fmt.Errorf("registry publish %s: %w: %s", a.Version, ErrDuplicateVersion, command.Summary(res))
		}
		return fmt.Errorf("registry publish %s failed: %s", a.Version, command.Summary(res))
	}
	return nil
}
