package cli

import (
	"github.com/spf13/cobra"
)

// NewRetryRegistryCommand creates the "retry-registry" cobra command.
func NewRetryRegistryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-registry <run-id>",
		Short: "Retry the registry publish of a partially failed run",
		Long: `Retry only the registry publish of a run whose GitHub release succeeded
but whose registry publish failed (state partial-failure).

The package is built from the artifact recorded for the run, never from a
recomputed version. The retry is refused when the GitHub release for the
run's tag no longer exists.

Examples:
  release-pipeline retry-registry 0190c3e2-7d4a-7b9e-9a51-3f0c2b1d8e77`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// Step 1: Open the repository, configuration and run store.
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// Step 2: Wire the publish stages; no analyzer or verifier runs.
			orch, err := a.orchestrator(ctx, nil)
			if err != nil {
				return err
			}

			// Step 3: Resume.
			report, retryErr := orch.RetryRegistry(ctx, args[0])
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			return retryErr
		},
	}
}
