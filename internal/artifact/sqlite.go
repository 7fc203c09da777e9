package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/shinji-kodama/release-pipeline/internal/artifact/migrations"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// SQLiteStore persists runs in a SQLite database file so that stages of
// the same run can execute in separate processes.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (creating if needed) the store at path and applies the
// embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, runID string, startedAt time.Time) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO runs (run_id, state, started_at, updated_at) VALUES (?, ?, ?, ?)`,
		runID, string(model.StateInit), toMillis(startedAt), toMillis(startedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, runID)
		}
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// SetDecision implements Store.
func (s *SQLiteStore) SetDecision(ctx context.Context, runID string, decision model.VersionDecision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	return s.updateRun(ctx, runID, `UPDATE runs SET decision_json = ? WHERE run_id = ?`, string(payload), runID)
}

// SetState implements Store.
func (s *SQLiteStore) SetState(ctx context.Context, runID string, state model.RunState, at time.Time) error {
	return s.updateRun(ctx, runID, `UPDATE runs SET state = ?, updated_at = ? WHERE run_id = ?`,
		string(state), toMillis(at), runID)
}

func (s *SQLiteStore) updateRun(ctx context.Context, runID, query string, args ...any) error {
	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// PutArtifact implements Store. The artifact row and the run's digest are
// written in one transaction.
func (s *SQLiteStore) PutArtifact(ctx context.Context, a model.ReleaseArtifact) error {
	if err := a.VerifyDigest(); err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put artifact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET artifact_digest = ? WHERE run_id = ?`, a.Digest, a.RunID)
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, a.RunID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, version, path, content, digest, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Version.String(), a.Path, a.Content, a.Digest, toMillis(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrArtifactExists, a.RunID)
		}
		return fmt.Errorf("put artifact %s: %w", a.RunID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact %s: %w", a.RunID, err)
	}
	return nil
}

// GetArtifact implements Store.
func (s *SQLiteStore) GetArtifact(ctx context.Context, runID string) (model.ReleaseArtifact, error) {
	var (
		a         model.ReleaseArtifact
		version   string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT run_id, version, path, content, digest, created_at FROM artifacts WHERE run_id = ?`, runID,
	).Scan(&a.RunID, &version, &a.Path, &a.Content, &a.Digest, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReleaseArtifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, runID)
	}
	if err != nil {
		return model.ReleaseArtifact{}, fmt.Errorf("get artifact %s: %w", runID, err)
	}

	v, err := model.ParseSemVer(version)
	if err != nil {
		return model.ReleaseArtifact{}, fmt.Errorf("get artifact %s: %w", runID, err)
	}
	a.Version = v
	a.CreatedAt = fromMillis(createdAt)
	if err := a.VerifyDigest(); err != nil {
		return model.ReleaseArtifact{}, err
	}
	return a, nil
}

// AppendResult implements Store.
func (s *SQLiteStore) AppendResult(ctx context.Context, runID string, r model.StageResult) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("append result %s: %w", runID, err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO stage_results (run_id, seq, stage, outcome, timed_out, detail, attempt, started_at, finished_at)
VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_results WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
		runID, runID, string(r.Stage), string(r.Outcome), boolToInt(r.TimedOut), r.Detail, r.Attempt,
		toMillis(r.StartedAt), toMillis(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("append result %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit result %s: %w", runID, err)
	}
	return nil
}

// LoadReport implements Store.
func (s *SQLiteStore) LoadReport(ctx context.Context, runID string) (*model.RunReport, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT run_id, state, decision_json, artifact_digest, started_at, updated_at FROM runs WHERE run_id = ?`, runID)
	report, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT stage, outcome, timed_out, detail, attempt, started_at, finished_at
FROM stage_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load results %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                 model.StageResult
			stage, outcome    string
			timedOut          int
			started, finished int64
		)
		if err := rows.Scan(&stage, &outcome, &timedOut, &r.Detail, &r.Attempt, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan result %s: %w", runID, err)
		}
		r.Stage = model.Stage(stage)
		r.Outcome = model.Outcome(outcome)
		r.TimedOut = timedOut != 0
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		report.Results = append(report.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load results %s: %w", runID, err)
	}
	return report, nil
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.RunReport, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT run_id, state, decision_json, artifact_digest, started_at, updated_at
FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunReport
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.RunReport, error) {
	var (
		r                model.RunReport
		state, decision  string
		started, updated int64
	)
	if err := row.Scan(&r.RunID, &state, &decision, &r.ArtifactDigest, &started, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(decision), &r.Decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	r.State = model.RunState(state)
	r.StartedAt = fromMillis(started)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
