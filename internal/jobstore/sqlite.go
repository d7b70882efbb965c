package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/beatgen/api/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore keeps job records in a local database file. It suits a single
// host running the API and workers side by side.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the pragmas below in force for every statement and
	// gives ":memory:" a single shared database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) Create(ctx context.Context, job *model.ExportJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_jobs (id, kind, status, result_url, mirror_url, error, preset_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), string(job.Status), job.ResultURL, job.MirrorURL,
		job.Error, job.PresetID, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.ExportJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, status, result_url, mirror_url, error, preset_id, created_at, updated_at
         FROM export_jobs WHERE id = ?`, id)

	var (
		job                  model.ExportJob
		kind, status         string
		createdAt, updatedAt string
	)
	err := row.Scan(&job.ID, &kind, &status, &job.ResultURL, &job.MirrorURL,
		&job.Error, &job.PresetID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	job.Kind = model.ExportKind(kind)
	job.Status = model.JobStatus(status)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

// allowedFrom lists the stored statuses from which target may be reached.
func allowedFrom(target model.JobStatus) []string {
	var from []string
	for _, s := range []model.JobStatus{model.JobStatusQueued, model.JobStatusActive, model.JobStatusCompleted, model.JobStatusFailed} {
		if s.CanTransition(target) {
			from = append(from, string(s))
		}
	}
	return from
}

// Update is a single conditional UPDATE, so the transition check and the
// write happen atomically inside SQLite.
func (s *SQLiteStore) Update(ctx context.Context, id string, u model.JobUpdate) (*model.ExportJob, bool, error) {
	from := allowedFrom(u.Status)
	if len(from) == 0 {
		job, err := s.Get(ctx, id)
		return job, false, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{
		string(u.Status),
		u.ResultURL, u.ResultURL,
		u.MirrorURL, u.MirrorURL,
		u.Error, u.Error,
		formatTime(s.now()),
		id,
	}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE export_jobs SET
            status = ?,
            result_url = CASE WHEN ? = '' THEN result_url ELSE ? END,
            mirror_url = CASE WHEN ? = '' THEN mirror_url ELSE ? END,
            error = CASE WHEN ? = '' THEN error ELSE ? END,
            updated_at = ?
         WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, n > 0, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
