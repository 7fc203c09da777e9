package docker

import (
	"fmt"
	"strings"
	"time"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// Label keys set on every verification container. They let an operator
// (or the next attempt) map a container back to its pipeline run with
// `docker ps --filter label=release.run-id=<id>`.
//
// All keys share the "release." prefix to avoid collisions with labels
// set by other tools.
const (
	LabelPrefix = "release."

	// LabelManagedBy marks containers created by this tool.
	// Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRunID is the pipeline run the container verifies.
	LabelRunID = LabelPrefix + "run-id"

	// LabelVersion is the version encoded in the artifact under test.
	LabelVersion = LabelPrefix + "version"

	// LabelDigest is the sha256 digest of the artifact under test.
	LabelDigest = LabelPrefix + "artifact-digest"

	// LabelStartedAt is the RFC3339 time the container was created.
	LabelStartedAt = LabelPrefix + "started-at"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "release-pipeline"

// RunLabels is the run metadata recovered from a container's labels.
type RunLabels struct {
	RunID     string
	Version   model.SemVer
	Digest    string
	StartedAt time.Time
}

// BuildLabels returns the label map for a container verifying a.
func BuildLabels(a model.ReleaseArtifact, startedAt time.Time) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     a.RunID,
		LabelVersion:   a.Version.String(),
		LabelDigest:    a.Digest,
		LabelStartedAt: startedAt.UTC().Format(time.RFC3339),
	}
}

// ParseLabels is the inverse of BuildLabels. It reports every missing
// label at once.
func ParseLabels(labels map[string]string) (RunLabels, error) {
	required := []string{LabelManagedBy, LabelRunID, LabelVersion, LabelDigest, LabelStartedAt}

	var missing []string
	for _, key := range required {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return RunLabels{}, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return RunLabels{}, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	version, err := model.ParseSemVer(labels[LabelVersion])
	if err != nil {
		return RunLabels{}, fmt.Errorf("invalid label %s: %w", LabelVersion, err)
	}
	startedAt, err := time.Parse(time.RFC3339, labels[LabelStartedAt])
	if err != nil {
		return RunLabels{}, fmt.Errorf("invalid label %s: %w", LabelStartedAt, err)
	}

	return RunLabels{
		RunID:     labels[LabelRunID],
		Version:   version,
		Digest:    labels[LabelDigest],
		StartedAt: startedAt,
	}, nil
}

// FilterLabels returns the key=value label filters selecting the managed
// containers of one run. An empty runID selects every managed container.
func FilterLabels(runID string) []string {
	filters := []string{LabelManagedBy + "=" + ManagedByValue}
	if runID != "" {
		filters = append(filters, LabelRunID+"="+runID)
	}
	return filters
}

// ContainerName returns the deterministic name of the verification
// container for a run.
func ContainerName(runID string) string {
	return "release-verify-" + runID
}
