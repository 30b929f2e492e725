// Package journal records harness runs in a local SQLite database so past
// runs and their poll attempts can be listed after the resources are gone.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/localrunner/internal/artifact"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Journal is a SQLite-backed run journal.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// journals on one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Run is one journaled run.
type Run struct {
	ID         string
	JobName    string
	Project    string
	Region     string
	Bucket     string
	SpecPath   string
	Conditions []string
	StartedAt  time.Time

	// Set as the run progresses.
	JobID      string
	Outcome    string
	Error      string
	Warnings   int
	FinishedAt time.Time
}

// Finished reports whether FinishRun was recorded.
func (r Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Attempt is one journaled poll attempt.
type Attempt struct {
	Number     int
	State      string
	Pending    []string
	ObservedAt time.Time
}

// StartRun records a new run. Recording the same run id twice is a no-op.
func (j *Journal) StartRun(ctx context.Context, run Run) error {
	conditions, err := encodeNames(run.Conditions)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO runs (id, job_name, project, region, bucket, spec_path, conditions, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.JobName, run.Project, run.Region, run.Bucket, run.SpecPath, conditions, run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// RecordJob attaches the launched job id to a run.
func (j *Journal) RecordJob(ctx context.Context, runID, jobID string) error {
	res, err := j.db.ExecContext(ctx, `UPDATE runs SET job_id = ? WHERE id = ?`, jobID, runID)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return requireRow(res, "record job", runID)
}

// RecordAttempt records a poll attempt. Duplicate attempt numbers are
// ignored.
func (j *Journal) RecordAttempt(ctx context.Context, runID string, a Attempt) error {
	pending, err := encodeNames(a.Pending)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO polls (run_id, attempt, state, pending, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, attempt) DO NOTHING
	`, runID, a.Number, a.State, pending, a.ObservedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// FinishRun records the terminal outcome. Only the first call takes effect.
func (j *Journal) FinishRun(ctx context.Context, runID, outcome, errText string, warnings int, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE runs SET outcome = ?, error = ?, warnings = ?, finished_at = ?
		WHERE id = ? AND finished_at IS NULL
	`, outcome, nullable(errText), warnings, at.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT id, job_name, project, region, bucket, spec_path, conditions, started_at,
		       job_id, outcome, error, warnings, finished_at
		FROM runs
		ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                       Run
			conditions              string
			startedAt               int64
			jobID, outcome, errText sql.NullString
			finishedAt              sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.JobName, &r.Project, &r.Region, &r.Bucket, &r.SpecPath,
			&conditions, &startedAt, &jobID, &outcome, &errText, &r.Warnings, &finishedAt); err != nil {
			return nil, fmt.Errorf("list runs: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			return nil, fmt.Errorf("list runs: decode conditions of %s: %w", r.ID, err)
		}
		r.StartedAt = time.UnixMilli(startedAt).UTC()
		r.JobID, r.Outcome, r.Error = jobID.String, outcome.String, errText.String
		if finishedAt.Valid {
			r.FinishedAt = time.UnixMilli(finishedAt.Int64).UTC()
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Attempts returns the poll attempts of a run in order.
func (j *Journal) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT attempt, state, pending, observed_at
		FROM polls WHERE run_id = ?
		ORDER BY attempt ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a          Attempt
			pending    string
			observedAt int64
		)
		if err := rows.Scan(&a.Number, &a.State, &pending, &observedAt); err != nil {
			return nil, fmt.Errorf("list attempts: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(pending), &a.Pending); err != nil {
			return nil, fmt.Errorf("list attempts: decode pending: %w", err)
		}
		a.ObservedAt = time.UnixMilli(observedAt).UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func encodeNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	b, err := artifact.MarshalCanonical(names)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result, op, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: run %s not found", op, runID)
	}
	return nil
}
