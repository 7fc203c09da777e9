// Package cli: runs.go implements the "release-pipeline runs" command.
//
// The runs command lists the recorded runs, newest first, as a text table
// or JSON array depending on the --json flag. An optional --state flag
// filters by terminal state.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/release-pipeline/internal/artifact"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// runsFlags holds the flag values for the runs command.
type runsFlags struct {
	// limit caps the number of runs shown. Zero or less shows all runs.
	limit int

	// state filters runs by their state. "all" disables the filter.
	state string
}

// NewRunsCommand creates the "runs" cobra command.
func NewRunsCommand() *cobra.Command {
	flags := &runsFlags{}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long: `List recorded runs, newest first.

The STAGES column shows one letter per stage result: P passed, F failed,
T timed out, - skipped.

Examples:
  release-pipeline runs
  release-pipeline runs --state partial-failure
  release-pipeline runs --limit 5 --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return runRuns(cmd.Context(), cmd.OutOrStdout(), a.store, flags)
		},
	}

	cmd.Flags().IntVar(&flags.limit, "limit", 20, "Maximum number of runs to show (0 for all)")
	cmd.Flags().StringVar(&flags.state, "state", "all", "Filter by state, e.g. complete, rejected, partial-failure")

	return cmd
}

// runRuns is the main logic function for the runs command.
func runRuns(ctx context.Context, w io.Writer, store artifact.Store, flags *runsFlags) error {
	// Step 1: Validate the --state flag value.
	var filter model.RunState
	if flags.state != "all" {
		s, err := model.ParseRunState(flags.state)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("invalid state filter %q", flags.state), err)
		}
		filter = s
	}

	// Step 2: Load the history. With a filter the limit applies after
	// filtering, so every run is loaded.
	limit := flags.limit
	if filter != "" {
		limit = 0
	}
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	VerboseLog("Found %d recorded runs", len(runs))

	// Step 3: Apply the --state filter.
	if filter != "" {
		filtered := make([]model.RunReport, 0, len(runs))
		for _, r := range runs {
			if r.State == filter {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
		if flags.limit > 0 && len(runs) > flags.limit {
			runs = runs[:flags.limit]
		}
	}

	// Step 4: Attach the stage log for the STAGES column.
	for i := range runs {
		full, err := store.LoadReport(ctx, runs[i].RunID)
		if err != nil {
			VerboseLog("Warning: skipping stage log of run %s: %v", runs[i].RunID, err)
			continue
		}
		runs[i].Results = full.Results
	}

	printRuns(w, runs)
	return nil
}
