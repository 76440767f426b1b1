package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/contracts-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, eris.New("sqlite: database path is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	filename         TEXT NOT NULL,
	blob_path        TEXT NOT NULL,
	content_type     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	raw_text         TEXT,
	extracted_fields TEXT,
	overall_score    REAL,
	error_message    TEXT,
	strategy         TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	uploaded_at      DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_uploaded_at ON jobs(uploaded_at);
`

const (
	sqliteFullColumns  = `id, filename, blob_path, content_type, status, raw_text, extracted_fields, overall_score, error_message, strategy, attempts, uploaded_at, updated_at`
	sqliteLightColumns = `id, filename, blob_path, content_type, status, NULL, NULL, overall_score, error_message, strategy, attempts, uploaded_at, updated_at`
)

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, filename, blob_path, content_type, status, attempts, uploaded_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Filename, job.BlobPath, job.ContentType, string(job.Status), job.Attempts, job.UploadedAt.UTC(), job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteFullColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + sqliteLightColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.UploadedAfter.IsZero() {
		query += ` AND uploaded_at > ?`
		args = append(args, filter.UploadedAfter.UTC())
	}
	query += ` ORDER BY uploaded_at DESC, id`

	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ?`
		args = append(args, limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	return s.queryJobs(ctx, "list jobs", query, args...)
}

func (s *SQLiteStore) ListStale(ctx context.Context, updatedBefore time.Time) ([]model.Job, error) {
	return s.queryJobs(ctx, "list stale jobs",
		`SELECT `+sqliteLightColumns+` FROM jobs WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at`,
		string(model.JobStatusPending), string(model.JobStatusProcessing), updatedBefore.UTC(),
	)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	jobs := []model.Job{}
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", op)
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// inClause renders "status IN (?, ?)" for the given statuses.
func inClause(column string, statuses []model.JobStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return column + " IN (" + strings.Join(marks, ", ") + ")", args
}

func (s *SQLiteStore) BeginProcessing(ctx context.Context, id string) (*model.Job, error) {
	cond, condArgs := inClause("status", model.SourcesOf(model.JobStatusProcessing))
	args := append([]any{string(model.JobStatusProcessing), s.now().UTC(), id}, condArgs...)

	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND `+cond+` RETURNING `+sqliteFullColumns,
		args...,
	)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lookupForMiss(ctx, s, id, model.JobStatusProcessing)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: begin processing %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, c model.Completion) error {
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fields")
	}
	cond, condArgs := inClause("status", model.SourcesOf(model.JobStatusCompleted))
	args := append([]any{
		string(model.JobStatusCompleted), c.RawText, string(fieldsJSON), c.Score, c.Strategy, s.now().UTC(), id,
	}, condArgs...)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, raw_text = ?, extracted_fields = ?, overall_score = ?, strategy = ?, error_message = NULL, updated_at = ? WHERE id = ? AND `+cond,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return s.checkTransition(ctx, res, id, model.JobStatusCompleted)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, reason string) error {
	cond, condArgs := inClause("status", model.SourcesOf(model.JobStatusFailed))
	args := append([]any{string(model.JobStatusFailed), reason, s.now().UTC(), id}, condArgs...)

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, extracted_fields = NULL, overall_score = NULL, updated_at = ? WHERE id = ? AND `+cond,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return s.checkTransition(ctx, res, id, model.JobStatusFailed)
}

func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string, target model.JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return lookupForMiss(ctx, s, id, target)
	}
	return nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close() //nolint:errcheck

	counts := zeroCounts()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var (
		j          model.Job
		status     string
		rawText    sql.NullString
		fieldsJSON sql.NullString
		score      sql.NullFloat64
		errMsg     sql.NullString
	)
	err := row.Scan(&j.ID, &j.Filename, &j.BlobPath, &j.ContentType, &status, &rawText,
		&fieldsJSON, &score, &errMsg, &j.Strategy, &j.Attempts, &j.UploadedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if rawText.Valid {
		j.RawText = &rawText.String
	}
	if score.Valid {
		j.OverallScore = &score.Float64
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if fieldsJSON.Valid {
		if err := decodeFields([]byte(fieldsJSON.String), &j); err != nil {
			return nil, err
		}
	}
	j.UploadedAt = j.UploadedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}
