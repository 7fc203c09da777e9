package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseSemVer verifies that only plain MAJOR.MINOR.PATCH versions are
// accepted, with or without a leading "v".
func TestParseSemVer(t *testing.T) {
	tests := []struct {
		input    string
		expected SemVer
		hasError bool
	}{
		{"1.2.3", SemVer{1, 2, 3}, false},
		{"v1.2.3", SemVer{1, 2, 3}, false},
		{"0.0.0", SemVer{}, false},
		{"10.20.30", SemVer{10, 20, 30}, false},
		{" 1.3.0 ", SemVer{1, 3, 0}, false}, // surrounding whitespace
		{"1.2", SemVer{}, true},             // shorthand is not canonical
		{"1", SemVer{}, true},
		{"1.2.3-rc.1", SemVer{}, true}, // pre-release
		{"1.2.3+build", SemVer{}, true},
		{"01.2.3", SemVer{}, true}, // leading zero
		{"a.b.c", SemVer{}, true},
		{"", SemVer{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSemVer(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// TestSemVer_Compare checks the total order, including numeric (not
// lexicographic) comparison of components.
func TestSemVer_Compare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.1", "1.3.0", -1},
		{"1.3.0", "1.2.1", 1},
		{"1.2.3", "1.2.3", 0},
		{"1.10.0", "1.9.9", 1},
		{"2.0.0", "1.99.99", 1},
		{"0.0.1", "0.0.2", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			a := MustParseSemVer(tt.a)
			b := MustParseSemVer(tt.b)
			assert.Equal(t, tt.want, a.Compare(b))
			assert.Equal(t, tt.want < 0, a.Less(b))
		})
	}
}

// TestSemVer_StringAndTag verifies the two textual forms.
func TestSemVer_StringAndTag(t *testing.T) {
	v := SemVer{Major: 1, Minor: 3, Patch: 0}
	assert.Equal(t, "1.3.0", v.String())
	assert.Equal(t, "v1.3.0", v.Tag())
	assert.False(t, v.IsZero())
	assert.True(t, SemVer{}.IsZero())
}

// TestSemVer_JSON verifies that versions serialize as strings inside a
// VersionDecision.
func TestSemVer_JSON(t *testing.T) {
	prev := MustParseSemVer("1.2.1")
	d := Release(MustParseSemVer("1.3.0"), &prev, "notes")

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hasRelease":true,"nextVersion":"1.3.0","previousVersion":"1.2.1","notes":"notes"}`, string(data))

	var decoded VersionDecision
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, d, decoded)
}

// TestVersionDecision_Validate covers the structural checks on decisions.
func TestVersionDecision_Validate(t *testing.T) {
	next := MustParseSemVer("1.0.0")

	assert.NoError(t, NoRelease().Validate())
	assert.NoError(t, Release(next, nil, "").Validate())
	assert.Error(t, VersionDecision{HasRelease: true}.Validate())
	assert.Error(t, VersionDecision{HasRelease: false, NextVersion: &next}.Validate())
}

// TestRelease_CopiesVersions ensures a decision does not alias the caller's
// previous version, keeping decisions immutable once produced.
func TestRelease_CopiesVersions(t *testing.T) {
	prev := MustParseSemVer("1.2.1")
	d := Release(MustParseSemVer("1.3.0"), &prev, "")
	prev.Patch = 99
	assert.Equal(t, "1.2.1", d.PreviousVersion.String())
}

// TestReleaseArtifact_Digest verifies digest computation and tamper detection.
func TestReleaseArtifact_Digest(t *testing.T) {
	content := []byte("version = \"1.3.0\"\n")
	a := NewReleaseArtifact("run-1", MustParseSemVer("1.3.0"), "Cargo.toml", content, time.Now())

	require.NoError(t, a.VerifyDigest())
	assert.Len(t, a.Digest, 64)

	// The artifact keeps its own copy of the content.
	content[0] = 'X'
	require.NoError(t, a.VerifyDigest())

	a.Content = []byte("version = \"9.9.9\"\n")
	assert.Error(t, a.VerifyDigest())
}

// TestStage_IsValid checks that only defined stages pass validation.
func TestStage_IsValid(t *testing.T) {
	for _, s := range Stages {
		assert.True(t, s.IsValid(), s.String())
	}
	assert.False(t, Stage("deploy").IsValid())

	got, err := ParseStage("PUBLISH-VCS")
	require.NoError(t, err)
	assert.Equal(t, StagePublishVCS, got)

	_, err = ParseStage("")
	assert.Error(t, err)
}

// TestParseOutcome verifies string-to-outcome conversion.
func TestParseOutcome(t *testing.T) {
	tests := []struct {
		input    string
		expected Outcome
		hasError bool
	}{
		{"passed", OutcomePassed, false},
		{"Failed", OutcomeFailed, false},
		{"SKIPPED", OutcomeSkipped, false},
		{"timeout", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOutcome(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// TestRunState_IsTerminal verifies which states end a run.
func TestRunState_IsTerminal(t *testing.T) {
	terminal := []RunState{StateNoOp, StateRejected, StateFailed, StatePartialFailure,
		StateComplete, StateAborted, StateCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s.String())
		assert.True(t, s.IsValid(), s.String())
	}

	transient := []RunState{StateInit, StateArtifactBuilt, StateVerifying, StateVerified,
		StatePublishingVCS, StatePublishedVCS, StatePublishingRegistry}
	for _, s := range transient {
		assert.False(t, s.IsTerminal(), s.String())
		assert.True(t, s.IsValid(), s.String())
	}

	_, err := ParseRunState("exploded")
	assert.Error(t, err)
}

// TestRunReport_Overall verifies that the overall outcome is the outcome of
// the last stage that actually ran.
func TestRunReport_Overall(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		want     Outcome
	}{
		{"all passed", []Outcome{OutcomePassed, OutcomePassed, OutcomePassed, OutcomePassed}, OutcomePassed},
		{"verify failed", []Outcome{OutcomePassed, OutcomeFailed, OutcomeSkipped, OutcomeSkipped}, OutcomeFailed},
		{"noop", []Outcome{OutcomePassed, OutcomeSkipped, OutcomeSkipped, OutcomeSkipped}, OutcomePassed},
		{"empty", nil, OutcomeSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &RunReport{}
			for i, o := range tt.outcomes {
				r.Results = append(r.Results, StageResult{Stage: Stages[i], Outcome: o, Attempt: 1})
			}
			assert.Equal(t, tt.want, r.Overall())
			assert.Equal(t, len(tt.outcomes), len(r.Outcomes()))
		})
	}
}

// TestRunReport_Latest verifies that retries shadow earlier attempts.
func TestRunReport_Latest(t *testing.T) {
	r := &RunReport{Results: []StageResult{
		{Stage: StagePublishRegistry, Outcome: OutcomeFailed, Attempt: 1},
		{Stage: StagePublishRegistry, Outcome: OutcomePassed, Attempt: 2},
	}}

	got, ok := r.Latest(StagePublishRegistry)
	require.True(t, ok)
	assert.Equal(t, 2, got.Attempt)

	_, ok = r.Latest(StageVerify)
	assert.False(t, ok)
}

// TestStageResult_Duration verifies duration for run and skipped stages.
func TestStageResult_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := StageResult{StartedAt: start, FinishedAt: start.Add(3 * time.Second)}
	assert.Equal(t, 3*time.Second, r.Duration())
	assert.Zero(t, StageResult{Outcome: OutcomeSkipped}.Duration())
}

// TestCLIError verifies the CLIError type.
func TestCLIError(t *testing.T) {
	t.Run("without underlying error", func(t *testing.T) {
		err := NewCLIError(ExitVerificationFailed, "verification failed")
		assert.Equal(t, "verification failed", err.Error())
		assert.Equal(t, ExitVerificationFailed, err.Code)
		assert.Nil(t, err.Unwrap())
	})

	t.Run("with underlying error", func(t *testing.T) {
		inner := errors.New("exit status 1")
		err := WrapCLIError(ExitPublishFailed, "gh release create failed", inner)
		assert.Equal(t, "gh release create failed: exit status 1", err.Error())
		assert.True(t, errors.Is(err, inner))
	})

	t.Run("errors.As works", func(t *testing.T) {
		var err error = NewCLIError(ExitPartialFailure, "partial")
		var cliErr *CLIError
		require.True(t, errors.As(err, &cliErr))
		assert.Equal(t, ExitPartialFailure, cliErr.Code)
	})
}
