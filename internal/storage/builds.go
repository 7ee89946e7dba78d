package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/bbq/internal/build"
)

// maxOutputBytes caps the build output kept per run.
const maxOutputBytes = 16 * 1024

// BuildRun is a persisted build result.
type BuildRun struct {
	ID         string        `json:"id"`
	Flavor     string        `json:"flavor"`
	SourcePath string        `json:"source_path"`
	Command    string        `json:"command"`
	Status     build.Status  `json:"status"`
	ExitCode   int           `json:"exit_code"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// BuildStore reads and writes build_runs.
type BuildStore struct {
	db *sql.DB
}

var _ build.Recorder = (*BuildStore)(nil)

// NewBuildStore wraps an opened state database.
func NewBuildStore(db *sql.DB) *BuildStore {
	return &BuildStore{db: db}
}

// RecordBuild inserts one build result.
func (s *BuildStore) RecordBuild(ctx context.Context, res build.Result) error {
	if res.RunID == "" {
		return errors.New("build result has no run id")
	}
	var errText sql.NullString
	if res.Err != nil {
		errText = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	output := res.Output
	if len(output) > maxOutputBytes {
		output = output[len(output)-maxOutputBytes:]
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO build_runs(id, flavor, source_path, command, status, exit_code, started_at, finished_at, duration_ms, output, error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		res.RunID,
		res.Entry.FlavorID,
		res.Entry.SourcePath,
		res.Entry.Command,
		string(res.Status),
		res.ExitCode,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.FinishedAt.UTC().Format(time.RFC3339Nano),
		res.Duration().Milliseconds(),
		output,
		errText,
	)
	if err != nil {
		return fmt.Errorf("insert build run %s: %w", res.RunID, err)
	}
	return nil
}

// ListBuilds returns the newest runs first. An empty flavor lists all.
func (s *BuildStore) ListBuilds(ctx context.Context, flavor string, limit int) ([]BuildRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, flavor, source_path, command, status, exit_code, started_at, finished_at, duration_ms, output, error
FROM build_runs`
	args := []any{}
	if flavor != "" {
		q += ` WHERE flavor = ?`
		args = append(args, flavor)
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query build runs: %w", err)
	}
	defer rows.Close()

	var runs []BuildRun
	for rows.Next() {
		run, err := scanBuildRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate build runs: %w", err)
	}
	return runs, nil
}

func scanBuildRun(rows *sql.Rows) (BuildRun, error) {
	var (
		run                 BuildRun
		status              string
		started, finished   string
		durationMS          int64
		output, errorString sql.NullString
	)
	if err := rows.Scan(&run.ID, &run.Flavor, &run.SourcePath, &run.Command, &status, &run.ExitCode,
		&started, &finished, &durationMS, &output, &errorString); err != nil {
		return BuildRun{}, fmt.Errorf("scan build run: %w", err)
	}
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return BuildRun{}, fmt.Errorf("parse started_at for %s: %w", run.ID, err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return BuildRun{}, fmt.Errorf("parse finished_at for %s: %w", run.ID, err)
	}
	run.Status = build.Status(status)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Output = output.String
	run.Error = errorString.String
	return run, nil
}
