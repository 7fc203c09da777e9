// Package cli: run.go implements the "release-pipeline run" command.
//
// Without arguments the commit analyzer decides whether and how to
// release. With a version argument the analyzer is bypassed and that
// version is released (the manual path). Either way the run goes through
// the same gated stages.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/release-pipeline/internal/analyzer"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	// allowNoop maps "no release needed" to exit code 0.
	allowNoop bool

	// notesOut receives the release notes once the analyzer has decided.
	notesOut string

	// notes are the release notes for the manual path.
	notes string
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [version]",
		Short: "Run the release pipeline",
		Long: `Run the release pipeline: analyze, write the version, verify, publish.

Without a version the configured analyzer command receives the commits since
the last release tag and decides the next version. With a version, that
version is released and the previous version is read from the manifest.

Exit codes: 0 complete, 2 no release needed, 3 manifest shape error,
4 verification failed, 5 GitHub release failed, 6 registry publish failed
after the GitHub release (resume with retry-registry), 10 cancelled.

Examples:
  release-pipeline run
  release-pipeline run --allow-noop --notes-out notes.md
  release-pipeline run 1.3.0 --notes "Hotfix for #214"`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) == 1 {
				version = args[0]
			}
			return runRun(cmd.Context(), cmd, version, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.allowNoop, "allow-noop", false, "Exit with 0 when no release is needed")
	cmd.Flags().StringVar(&flags.notesOut, "notes-out", "", "Write the release notes to this file")
	cmd.Flags().StringVar(&flags.notes, "notes", "", "Release notes for a manual version (default: \"Release v<version>\")")

	return cmd
}

// runRun is the main logic function for the run command.
func runRun(ctx context.Context, cmd *cobra.Command, version string, flags *runFlags) error {
	// Step 1: Open the repository, configuration and run store.
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Step 2: Pick the analyzer for the automatic or the manual path.
	var an analyzer.Analyzer
	if version != "" {
		if _, err := model.ParseSemVer(version); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("invalid version %q", version), err)
		}
		an = &analyzer.Manual{Next: version, ManifestPath: a.manifestPath(), Notes: flags.notes}
		VerboseLog("Manual release of %s", version)
	} else {
		if an, err = a.commandAnalyzer(); err != nil {
			return err
		}
		VerboseLog("Analyzer: %v", a.cfg.Analyzer.Command)
	}

	// Step 3: Wire the stages.
	orch, err := a.orchestrator(ctx, an)
	if err != nil {
		return err
	}

	// Step 4: Run. The report is printed for every outcome, including
	// failures, so the stage log is never lost.
	report, runErr := orch.Run(ctx)
	if report == nil {
		return runErr
	}
	printReport(cmd.OutOrStdout(), report)

	// Step 5: Hand the release notes to later CI steps.
	if flags.notesOut != "" && report.Decision.HasRelease {
		if err := os.WriteFile(flags.notesOut, []byte(report.Decision.Notes), 0o644); err != nil {
			return fmt.Errorf("failed to write release notes to %s: %w", flags.notesOut, err)
		}
		VerboseLog("Release notes written to %s", flags.notesOut)
	}

	return noopAllowed(runErr, flags.allowNoop)
}

// noopAllowed drops the "no release needed" error when --allow-noop is
// set.
func noopAllowed(err error, allow bool) error {
	var cliErr *model.CLIError
	if allow && errors.As(err, &cliErr) && cliErr.Code == model.ExitNoReleaseNeeded {
		return nil
	}
	return err
}
