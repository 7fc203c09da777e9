package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/release-pipeline/internal/artifact"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// NewStatusCommand creates the "status" cobra command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the recorded state of a run",
		Long: `Show the state, version decision and stage log of a recorded run.

Examples:
  release-pipeline status 0190c3e2-7d4a-7b9e-9a51-3f0c2b1d8e77
  release-pipeline status 0190c3e2-7d4a-7b9e-9a51-3f0c2b1d8e77 --json`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return runStatus(cmd.Context(), cmd.OutOrStdout(), a.store, args[0])
		},
	}
}

// runStatus prints the report of runID.
func runStatus(ctx context.Context, w io.Writer, store artifact.Store, runID string) error {
	report, err := store.LoadReport(ctx, runID)
	if err != nil {
		if errors.Is(err, artifact.ErrRunNotFound) {
			return model.WrapCLIError(model.ExitRunNotFound, fmt.Sprintf("run %s not found", runID), err)
		}
		return err
	}
	printReport(w, report)
	return nil
}
