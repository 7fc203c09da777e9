// Package cli: output_test.go contains unit tests for the pure formatting
// functions used by the run, status and runs commands.
//
// These tests verify data transformation logic without requiring a
// repository, a Docker daemon or any external dependencies.
package cli

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testReport() *model.RunReport {
	prev := model.MustParseSemVer("1.2.1")
	return &model.RunReport{
		RunID:          "run-1",
		State:          model.StateRejected,
		Decision:       model.Release(model.MustParseSemVer("1.3.0"), &prev, "notes"),
		ArtifactDigest: "4f1c",
		Results: []model.StageResult{
			{Stage: model.StageDryRun, Outcome: model.OutcomePassed, Attempt: 1, StartedAt: testStart, FinishedAt: testStart.Add(400 * time.Millisecond)},
			{Stage: model.StageVerify, Outcome: model.OutcomeFailed, Attempt: 1, Detail: "verify exited with status 101\ntest foo ... FAILED", StartedAt: testStart, FinishedAt: testStart.Add(90 * time.Second)},
			{Stage: model.StagePublishVCS, Outcome: model.OutcomeSkipped, Attempt: 1, Detail: "verification failed"},
			{Stage: model.StagePublishRegistry, Outcome: model.OutcomeSkipped, Attempt: 1, Detail: "verification failed"},
		},
		StartedAt: testStart,
		UpdatedAt: testStart,
	}
}

// withJSON sets the global --json flag for the duration of a test.
func withJSON(t *testing.T, on bool) {
	t.Helper()
	prev := jsonOutput
	jsonOutput = on
	t.Cleanup(func() { jsonOutput = prev })
}

func TestFormatVersionChange(t *testing.T) {
	prev := model.MustParseSemVer("1.2.1")
	tests := []struct {
		name     string
		decision model.VersionDecision
		want     string
	}{
		{"no release", model.NoRelease(), "-"},
		{"first release", model.Release(model.MustParseSemVer("0.1.0"), nil, ""), "(none) -> 0.1.0"},
		{"minor bump", model.Release(model.MustParseSemVer("1.3.0"), &prev, ""), "1.2.1 -> 1.3.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatVersionChange(tt.decision))
		})
	}
}

func TestFormatOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		results []model.StageResult
		want    string
	}{
		{"no results", nil, "-"},
		{"rejected", testReport().Results, "PF--"},
		{
			name: "timeout and retry",
			results: []model.StageResult{
				{Outcome: model.OutcomePassed},
				{Outcome: model.OutcomeFailed, TimedOut: true},
				{Outcome: model.OutcomeSkipped},
				{Outcome: model.OutcomeSkipped},
				{Outcome: model.OutcomePassed},
			},
			want: "PT--P",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatOutcomes(tt.results))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{412345 * time.Microsecond, "412ms"},
		{12345 * time.Millisecond, "12.3s"},
		{(4*60 + 31) * time.Second, "4m31s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.in))
		})
	}
}

func TestFormatDetail(t *testing.T) {
	assert.Equal(t, "-", FormatDetail(""))
	assert.Equal(t, "-", FormatDetail("  \n"))
	assert.Equal(t, "dial tcp: timeout", FormatDetail("dial tcp: timeout"))
	assert.Equal(t, "exit 101 ...", FormatDetail("exit 101\nmore output"))
}

// TestPrintReportText verifies the header and one row per result.
func TestPrintReportText(t *testing.T) {
	withJSON(t, false)

	var buf bytes.Buffer
	printReport(&buf, testReport())
	out := buf.String()

	assert.Contains(t, out, "Run:      run-1\n")
	assert.Contains(t, out, "State:    rejected\n")
	assert.Contains(t, out, "Version:  1.2.1 -> 1.3.0\n")
	assert.Contains(t, out, "Artifact: sha256:4f1c\n")
	assert.Contains(t, out, "verify exited with status 101 ...")
	assert.Contains(t, out, "1m30s")
	assert.NotContains(t, out, "test foo")
	// Four header lines, a blank line, the column header and four results.
	assert.Equal(t, 10, bytes.Count(buf.Bytes(), []byte("\n")))
}

// TestPrintReportJSON verifies the JSON form carries the full report.
func TestPrintReportJSON(t *testing.T) {
	withJSON(t, true)

	var buf bytes.Buffer
	printReport(&buf, testReport())

	var got struct {
		RunID   string `json:"runId"`
		State   string `json:"state"`
		Results []struct {
			Stage   string `json:"stage"`
			Outcome string `json:"outcome"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "rejected", got.State)
	require.Len(t, got.Results, 4)
	assert.Equal(t, "verify", got.Results[1].Stage)
	assert.Equal(t, "failed", got.Results[1].Outcome)
}

func TestPrintRuns(t *testing.T) {
	t.Run("empty text", func(t *testing.T) {
		withJSON(t, false)
		var buf bytes.Buffer
		printRuns(&buf, nil)
		assert.Equal(t, "No runs recorded.\n", buf.String())
	})

	t.Run("empty json", func(t *testing.T) {
		withJSON(t, true)
		var buf bytes.Buffer
		printRuns(&buf, nil)
		assert.JSONEq(t, `{"runs": []}`, buf.String())
	})

	t.Run("table", func(t *testing.T) {
		withJSON(t, false)
		var buf bytes.Buffer
		printRuns(&buf, []model.RunReport{*testReport()})
		assert.Contains(t, buf.String(), "RUN")
		assert.Contains(t, buf.String(), "run-1")
		assert.Contains(t, buf.String(), "PF--")
	})
}
