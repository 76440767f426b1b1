package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/db"
	"github.com/sells-group/contracts-cli/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgres wraps an open pool. Close closes the pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	filename         TEXT NOT NULL,
	blob_path        TEXT NOT NULL,
	content_type     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	raw_text         TEXT,
	extracted_fields JSONB,
	overall_score    DOUBLE PRECISION,
	error_message    TEXT,
	strategy         TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	uploaded_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_uploaded_at ON jobs(uploaded_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);

CREATE TABLE IF NOT EXISTS job_queue (
	job_id      TEXT PRIMARY KEY,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	visible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempts    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_job_queue_visible ON job_queue(visible_at, enqueued_at);
`

const (
	pgFullColumns  = `id, filename, blob_path, content_type, status, raw_text, extracted_fields, overall_score, error_message, strategy, attempts, uploaded_at, updated_at`
	pgLightColumns = `id, filename, blob_path, content_type, status, NULL::text, NULL::jsonb, overall_score, error_message, strategy, attempts, uploaded_at, updated_at`
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the jobs table and the job_queue table used by the
// Postgres queue driver.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, filename, blob_path, content_type, status, attempts, uploaded_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Filename, job.BlobPath, job.ContentType, string(job.Status), job.Attempts, job.UploadedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgFullColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + pgLightColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.UploadedAfter.IsZero() {
		query += fmt.Sprintf(` AND uploaded_at > $%d`, argIdx)
		args = append(args, filter.UploadedAfter)
		argIdx++
	}
	query += ` ORDER BY uploaded_at DESC, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryJobs(ctx, "list jobs", query, args...)
}

func (s *PostgresStore) ListStale(ctx context.Context, updatedBefore time.Time) ([]model.Job, error) {
	return s.queryJobs(ctx, "list stale jobs",
		`SELECT `+pgLightColumns+` FROM jobs WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`,
		[]string{string(model.JobStatusPending), string(model.JobStatusProcessing)}, updatedBefore,
	)
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", op)
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) BeginProcessing(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $1, attempts = attempts + 1, updated_at = $2 WHERE id = $3 AND status = ANY($4) RETURNING `+pgFullColumns,
		string(model.JobStatusProcessing), s.now().UTC(), id, statusStrings(model.SourcesOf(model.JobStatusProcessing)),
	)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lookupForMiss(ctx, s, id, model.JobStatusProcessing)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: begin processing %s", id)
	}
	return j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, c model.Completion) error {
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, raw_text = $2, extracted_fields = $3, overall_score = $4, strategy = $5, error_message = NULL, updated_at = $6 WHERE id = $7 AND status = ANY($8)`,
		string(model.JobStatusCompleted), c.RawText, fieldsJSON, c.Score, c.Strategy, s.now().UTC(), id,
		statusStrings(model.SourcesOf(model.JobStatusCompleted)),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return lookupForMiss(ctx, s, id, model.JobStatusCompleted)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error_message = $2, extracted_fields = NULL, overall_score = NULL, updated_at = $3 WHERE id = $4 AND status = ANY($5)`,
		string(model.JobStatusFailed), reason, s.now().UTC(), id,
		statusStrings(model.SourcesOf(model.JobStatusFailed)),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return lookupForMiss(ctx, s, id, model.JobStatusFailed)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := zeroCounts()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.JobStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var (
		j          model.Job
		status     string
		fieldsJSON []byte
	)
	err := row.Scan(&j.ID, &j.Filename, &j.BlobPath, &j.ContentType, &status, &j.RawText,
		&fieldsJSON, &j.OverallScore, &j.ErrorMessage, &j.Strategy, &j.Attempts, &j.UploadedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if err := decodeFields(fieldsJSON, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
