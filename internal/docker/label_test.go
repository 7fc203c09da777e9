package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

func labelArtifact() model.ReleaseArtifact {
	return model.NewReleaseArtifact("run-42", model.MustParseSemVer("1.3.0"), "Cargo.toml",
		[]byte("version = \"1.3.0\"\n"), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
}

// TestBuildLabels verifies every run label is set.
func TestBuildLabels(t *testing.T) {
	a := labelArtifact()
	startedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	labels := BuildLabels(a, startedAt)

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "run-42", labels[LabelRunID])
	assert.Equal(t, "1.3.0", labels[LabelVersion])
	assert.Equal(t, a.Digest, labels[LabelDigest])
	assert.Equal(t, "2026-03-01T10:00:00Z", labels[LabelStartedAt])
	assert.Len(t, labels, 5)
}

// TestParseLabels_RoundTrip verifies ParseLabels inverts BuildLabels.
func TestParseLabels_RoundTrip(t *testing.T) {
	a := labelArtifact()
	startedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	got, err := ParseLabels(BuildLabels(a, startedAt))
	require.NoError(t, err)
	assert.Equal(t, RunLabels{
		RunID:     "run-42",
		Version:   model.MustParseSemVer("1.3.0"),
		Digest:    a.Digest,
		StartedAt: startedAt,
	}, got)
}

// TestParseLabels_Errors covers missing and malformed labels.
func TestParseLabels_Errors(t *testing.T) {
	valid := BuildLabels(labelArtifact(), time.Now())

	tests := []struct {
		name    string
		mutate  func(map[string]string)
		wantMsg string
	}{
		{
			name:    "missing labels are all listed",
			mutate:  func(l map[string]string) { delete(l, LabelRunID); delete(l, LabelDigest) },
			wantMsg: LabelRunID,
		},
		{
			name:    "foreign container",
			mutate:  func(l map[string]string) { l[LabelManagedBy] = "someone-else" },
			wantMsg: "unexpected value",
		},
		{
			name:    "bad version",
			mutate:  func(l map[string]string) { l[LabelVersion] = "latest" },
			wantMsg: LabelVersion,
		},
		{
			name:    "bad timestamp",
			mutate:  func(l map[string]string) { l[LabelStartedAt] = "yesterday" },
			wantMsg: LabelStartedAt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := make(map[string]string, len(valid))
			for k, v := range valid {
				labels[k] = v
			}
			tt.mutate(labels)

			_, err := ParseLabels(labels)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

// TestFilterLabels verifies the run filter narrows the managed filter.
func TestFilterLabels(t *testing.T) {
	assert.Equal(t, []string{"release.managed-by=release-pipeline"}, FilterLabels(""))
	assert.Equal(t, []string{
		"release.managed-by=release-pipeline",
		"release.run-id=run-42",
	}, FilterLabels("run-42"))
}

// TestContainerName verifies the name is derived from the run id.
func TestContainerName(t *testing.T) {
	assert.Equal(t, "release-verify-run-42", ContainerName("run-42"))
}
