package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/release-pipeline/internal/config"
	"github.com/shinji-kodama/release-pipeline/internal/git"
	"github.com/shinji-kodama/release-pipeline/internal/manifest"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// setVersionFlags holds the flag values for the set-version command.
type setVersionFlags struct {
	// manifest overrides the configured manifest path.
	manifest string
}

// NewSetVersionCommand creates the "set-version" cobra command. It runs
// the version writer on its own, without any other stage.
func NewSetVersionCommand() *cobra.Command {
	flags := &setVersionFlags{}

	cmd := &cobra.Command{
		Use:   "set-version <version>",
		Short: "Write a version into the manifest",
		Long: `Replace the single version declaration of the manifest with <version>.

Every other byte of the manifest is left untouched. The command fails with
exit code 3 and leaves the file unchanged when the manifest has no version
declaration or more than one.

Examples:
  release-pipeline set-version 1.3.0
  release-pipeline set-version 2.0.0 --manifest crates/core/Cargo.toml`,

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveManifest(flags.manifest)
			if err != nil {
				return err
			}
			return runSetVersion(cmd.OutOrStdout(), path, args[0])
		},
	}

	cmd.Flags().StringVarP(&flags.manifest, "manifest", "m", "", "Manifest path (default: from config)")

	return cmd
}

// resolveManifest returns flagPath when set, otherwise the configured
// manifest of the repository containing the working directory.
func resolveManifest(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	repoRoot, err := git.NewManager().GetRepoRoot(".")
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(repoRoot, configPath)
	if err != nil {
		return "", model.WrapCLIError(model.ExitGeneralError, "invalid configuration", err)
	}
	return filepath.Join(repoRoot, cfg.ManifestPath), nil
}

// runSetVersion writes version into the manifest at path.
func runSetVersion(w io.Writer, path, version string) error {
	// Step 1: Validate the version.
	v, err := model.ParseSemVer(version)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("invalid version %q", version), err)
	}

	// Step 2: Read the previous declaration; a shape error stops here.
	text, err := manifest.ReadFile(path)
	if err != nil {
		return err
	}
	previous := "(invalid)"
	if p, err := manifest.Parse(text); err == nil {
		previous = p.String()
	} else if errors.Is(err, manifest.ErrManifestShape) {
		return model.WrapCLIError(model.ExitManifestShape, fmt.Sprintf("cannot set version in %s", path), err)
	}

	// Step 3: Substitute and persist.
	if _, err := manifest.SetVersion(path, v); err != nil {
		return err
	}
	VerboseLog("Wrote %s into %s", v, path)

	// Step 4: Output.
	if IsJSONOutput() {
		data, _ := json.MarshalIndent(map[string]string{
			"manifest":        path,
			"previousVersion": previous,
			"version":         v.String(),
		}, "", "  ")
		fmt.Fprintln(w, string(data))
		return nil
	}
	fmt.Fprintf(w, "%s: %s -> %s\n", path, previous, v)
	return nil
}
