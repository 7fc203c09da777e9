package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shinji-kodama/release-pipeline/internal/analyzer"
	"github.com/shinji-kodama/release-pipeline/internal/artifact"
	"github.com/shinji-kodama/release-pipeline/internal/command"
	"github.com/shinji-kodama/release-pipeline/internal/config"
	"github.com/shinji-kodama/release-pipeline/internal/docker"
	"github.com/shinji-kodama/release-pipeline/internal/git"
	"github.com/shinji-kodama/release-pipeline/internal/model"
	"github.com/shinji-kodama/release-pipeline/internal/pipeline"
	"github.com/shinji-kodama/release-pipeline/internal/publish"
	"github.com/shinji-kodama/release-pipeline/internal/telemetry"
	"github.com/shinji-kodama/release-pipeline/internal/verify"
)

// shutdownTimeout bounds the final trace flush.
const shutdownTimeout = 5 * time.Second

// app holds what every run-related command needs: the repository, the
// resolved configuration and the run store.
type app struct {
	repoRoot string
	cfg      *config.Config
	git      *git.Manager
	runner   command.Runner
	store    artifact.Store

	docker          *docker.Client
	shutdownTracing func(context.Context) error
}

// openApp resolves the repository from the working directory, loads the
// configuration and opens the run store.
func openApp(ctx context.Context) (*app, error) {
	// Step 1: Locate the repository root.
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	gitMgr := git.NewManager()
	repoRoot, err := gitMgr.GetRepoRoot(cwd)
	if err != nil {
		return nil, err
	}
	VerboseLog("Repository root: %s", repoRoot)

	// Step 2: Load defaults, the config file and RELEASE_* overrides.
	cfg, err := config.Load(repoRoot, configPath)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "invalid configuration", err)
	}

	// Step 3: Open the run store.
	stateDir := cfg.ResolveStateDir(repoRoot)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	store, err := artifact.OpenSQLite(ctx, cfg.DatabasePath(repoRoot))
	if err != nil {
		return nil, err
	}
	VerboseLog("Run store: %s", cfg.DatabasePath(repoRoot))

	// Step 4: Tracing is a no-op unless an OTLP endpoint is configured.
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		VerboseLog("Warning: tracing disabled: %v", err)
	}

	return &app{
		repoRoot:        repoRoot,
		cfg:             cfg,
		git:             gitMgr,
		runner:          command.NewOSRunner(),
		store:           store,
		shutdownTracing: shutdown,
	}, nil
}

// Close releases the store and the Docker client and flushes traces.
func (a *app) Close() {
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			VerboseLog("Warning: failed to flush traces: %v", err)
		}
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
	_ = a.store.Close()
}

// manifestPath is the absolute path of the configured manifest.
func (a *app) manifestPath() string {
	return filepath.Join(a.repoRoot, a.cfg.ManifestPath)
}

// commandAnalyzer returns the analyzer for the automatic path.
func (a *app) commandAnalyzer() (analyzer.Analyzer, error) {
	if len(a.cfg.Analyzer.Command) == 0 {
		return nil, model.NewCLIError(model.ExitGeneralError,
			"no analyzer command configured: set analyzer.command or pass a version to `run`")
	}
	return &analyzer.Command{
		Argv:      a.cfg.Analyzer.Command,
		RepoPath:  a.repoRoot,
		TagPrefix: a.cfg.TagPrefix,
		History:   a.git,
		Runner:    a.runner,
	}, nil
}

// verifier returns the container verifier when an image is configured and
// the host script verifier otherwise.
func (a *app) verifier(ctx context.Context) (pipeline.Verifier, error) {
	logDir := a.cfg.LogDir(a.repoRoot)
	if a.cfg.Verify.Image == "" {
		return &verify.Script{Script: a.cfg.Verify.Script, Env: a.cfg.Verify.Env, LogDir: logDir}, nil
	}

	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	a.docker = cli
	VerboseLog("Verifying in container image %s", a.cfg.Verify.Image)

	return &docker.Verifier{
		API:    cli.Inner(),
		Image:  a.cfg.Verify.Image,
		Script: a.cfg.Verify.Script,
		Pull:   a.cfg.Verify.Pull,
		Env:    a.cfg.Verify.Env,
		LogDir: logDir,
	}, nil
}

// orchestrator wires the configured stages. an is nil for a registry
// retry, which needs neither the analyzer nor a verifier.
func (a *app) orchestrator(ctx context.Context, an analyzer.Analyzer) (*pipeline.Orchestrator, error) {
	var v pipeline.Verifier
	if an != nil {
		var err error
		if v, err = a.verifier(ctx); err != nil {
			return nil, err
		}
	}

	target, err := a.git.HeadCommit(a.repoRoot)
	if err != nil {
		VerboseLog("Warning: could not resolve HEAD, releasing the default branch: %v", err)
		target = ""
	}

	t := a.cfg.Timeouts
	return &pipeline.Orchestrator{
		Analyzer:  an,
		Store:     a.store,
		Workspace: &pipeline.DirWorkspace{Root: a.repoRoot},
		Verifier:  v,
		VCS: &publish.GitHub{
			Runner:    a.runner,
			Repo:      a.cfg.GitHub.Repo,
			Dir:       a.repoRoot,
			TagPrefix: a.cfg.TagPrefix,
		},
		Registry: &publish.Registry{
			Runner: a.runner,
			Argv:   a.cfg.Registry.Command,
			Env:    a.cfg.RegistryEnv(),
		},
		ManifestPath: a.cfg.ManifestPath,
		TagPrefix:    a.cfg.TagPrefix,
		Target:       target,
		Timeouts: pipeline.Timeouts{
			DryRun:          t.DryRun.Std(),
			Verify:          t.Verify.Std(),
			PublishVCS:      t.PublishVCS.Std(),
			PublishRegistry: t.PublishRegistry.Std(),
		},
		Logf: VerboseLog,
	}, nil
}
