package artifact

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/release-pipeline/internal/artifact/migrations"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// storeFactories returns one constructor per Store implementation so every
// behavioral test runs against both.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func testArtifact(runID, content string) model.ReleaseArtifact {
	return model.NewReleaseArtifact(runID, model.MustParseSemVer("1.3.0"), "Cargo.toml", []byte(content), baseTime)
}

// TestStore_RunLifecycle exercises the full write/read cycle of one run.
func TestStore_RunLifecycle(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			require.NoError(t, s.CreateRun(ctx, "run-1", baseTime))

			prev := model.MustParseSemVer("1.2.1")
			decision := model.Release(model.MustParseSemVer("1.3.0"), &prev, "notes")
			require.NoError(t, s.SetDecision(ctx, "run-1", decision))

			a := testArtifact("run-1", "[package]\nversion = \"1.3.0\"\n")
			require.NoError(t, s.PutArtifact(ctx, a))
			require.NoError(t, s.SetState(ctx, "run-1", model.StateArtifactBuilt, baseTime.Add(time.Second)))

			results := []model.StageResult{
				{Stage: model.StageDryRun, Outcome: model.OutcomePassed, Attempt: 1, StartedAt: baseTime, FinishedAt: baseTime.Add(time.Second)},
				{Stage: model.StageVerify, Outcome: model.OutcomeFailed, TimedOut: true, Detail: "timed out after 1s", Attempt: 1, StartedAt: baseTime.Add(time.Second), FinishedAt: baseTime.Add(2 * time.Second)},
				{Stage: model.StagePublishVCS, Outcome: model.OutcomeSkipped, Detail: "verification failed", Attempt: 1},
			}
			for _, r := range results {
				require.NoError(t, s.AppendResult(ctx, "run-1", r))
			}
			require.NoError(t, s.SetState(ctx, "run-1", model.StateRejected, baseTime.Add(3*time.Second)))

			report, err := s.LoadReport(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "run-1", report.RunID)
			assert.Equal(t, model.StateRejected, report.State)
			assert.Equal(t, decision, report.Decision)
			assert.Equal(t, a.Digest, report.ArtifactDigest)
			assert.Equal(t, results, report.Results)
			assert.Equal(t, baseTime, report.StartedAt)
			assert.Equal(t, baseTime.Add(3*time.Second), report.UpdatedAt)

			got, err := s.GetArtifact(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, a, got)
		})
	}
}

// TestStore_OneArtifactPerRun verifies a second put for the same run is
// rejected and the first artifact is kept.
func TestStore_OneArtifactPerRun(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateRun(ctx, "run-1", baseTime))

			first := testArtifact("run-1", "version = \"1.3.0\"\n")
			require.NoError(t, s.PutArtifact(ctx, first))

			err := s.PutArtifact(ctx, testArtifact("run-1", "version = \"9.9.9\"\n"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrArtifactExists))

			got, err := s.GetArtifact(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, first.Content, got.Content)
		})
	}
}

// TestStore_NotFound covers lookups of unknown runs and missing artifacts.
func TestStore_NotFound(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.LoadReport(ctx, "missing")
			assert.True(t, errors.Is(err, ErrRunNotFound))

			err = s.SetState(ctx, "missing", model.StateComplete, baseTime)
			assert.True(t, errors.Is(err, ErrRunNotFound))

			err = s.SetDecision(ctx, "missing", model.NoRelease())
			assert.True(t, errors.Is(err, ErrRunNotFound))

			err = s.AppendResult(ctx, "missing", model.StageResult{Stage: model.StageVerify, Outcome: model.OutcomePassed})
			assert.True(t, errors.Is(err, ErrRunNotFound))

			err = s.PutArtifact(ctx, testArtifact("missing", "x"))
			assert.True(t, errors.Is(err, ErrRunNotFound))

			require.NoError(t, s.CreateRun(ctx, "run-1", baseTime))
			_, err = s.GetArtifact(ctx, "run-1")
			assert.True(t, errors.Is(err, ErrArtifactNotFound))
		})
	}
}

// TestStore_DuplicateRun verifies run ids are unique.
func TestStore_DuplicateRun(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateRun(ctx, "run-1", baseTime))
			err := s.CreateRun(ctx, "run-1", baseTime)
			assert.True(t, errors.Is(err, ErrRunExists))
		})
	}
}

// TestStore_TamperedArtifactRejected verifies a digest mismatch is refused
// on write.
func TestStore_TamperedArtifactRejected(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateRun(ctx, "run-1", baseTime))

			a := testArtifact("run-1", "version = \"1.3.0\"\n")
			a.Content = []byte("version = \"6.6.6\"\n")
			assert.Error(t, s.PutArtifact(ctx, a))
		})
	}
}

// TestStore_ReturnedArtifactIsACopy verifies callers cannot mutate stored
// bytes through a returned artifact.
func TestStore_ReturnedArtifactIsACopy(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateRun(ctx, "run-1", baseTime))
			require.NoError(t, s.PutArtifact(ctx, testArtifact("run-1", "version = \"1.3.0\"\n")))

			got, err := s.GetArtifact(ctx, "run-1")
			require.NoError(t, err)
			got.Content[0] = 'X'

			again, err := s.GetArtifact(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "version = \"1.3.0\"\n", string(again.Content))
		})
	}
}

// TestStore_ListRuns verifies ordering and limit.
func TestStore_ListRuns(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.CreateRun(ctx, "old", baseTime))
			require.NoError(t, s.CreateRun(ctx, "mid", baseTime.Add(time.Minute)))
			require.NoError(t, s.CreateRun(ctx, "new", baseTime.Add(2*time.Minute)))
			require.NoError(t, s.AppendResult(ctx, "new", model.StageResult{Stage: model.StageDryRun, Outcome: model.OutcomePassed, Attempt: 1}))

			runs, err := s.ListRuns(ctx, 0)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, []string{"new", "mid", "old"}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})
			assert.Empty(t, runs[0].Results)

			runs, err = s.ListRuns(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, runs, 2)
		})
	}
}

// TestOpenSQLite_Reopen verifies data survives reopening and migrations are
// applied once.
func TestOpenSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, "run-1", baseTime))
	require.NoError(t, s.PutArtifact(ctx, testArtifact("run-1", "version = \"1.3.0\"\n")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetArtifact(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", got.Version.String())

	var count int
	require.NoError(t, s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+migrationTable).Scan(&count))
	entries, err := migrations.FS.ReadDir(".")
	require.NoError(t, err)
	assert.Equal(t, len(entries), count)
}

// TestOpenSQLite_EmptyPath verifies the path is required.
func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "  ")
	assert.Error(t, err)
}

// TestExtractUpMigration covers the marker handling.
func TestExtractUpMigration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no markers", "CREATE TABLE a (x);", "CREATE TABLE a (x);"},
		{"up only", "-- +migrate Up\nCREATE TABLE a (x);", "\nCREATE TABLE a (x);"},
		{"up and down", "-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;", "\nCREATE TABLE a (x);\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractUpMigration(tt.content))
		})
	}
}
