package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contracts-cli/internal/model"
)

var pgTestNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := NewPostgres(mock)
	s.now = func() time.Time { return pgTestNow }
	return s, mock
}

var jobColumns = []string{
	"id", "filename", "blob_path", "content_type", "status", "raw_text", "extracted_fields",
	"overall_score", "error_message", "strategy", "attempts", "uploaded_at", "updated_at",
}

func jobRow(id, status string, attempts int) []any {
	return []any{
		id, "a.pdf", "contracts/" + id + "-a.pdf", "application/pdf", status,
		(*string)(nil), []byte(nil), (*float64)(nil), (*string)(nil), "", attempts, pgTestNow, pgTestNow,
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS jobs`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	j := model.NewJob("job-1", "a.pdf", "contracts/job-1-a.pdf", "application/pdf", pgTestNow)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("job-1", "a.pdf", "contracts/job-1-a.pdf", "application/pdf", "pending", 0, pgTestNow, pgTestNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateJob(context.Background(), j))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_Completed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	text := "contract text"
	score := 55.0
	row := jobRow("job-1", "completed", 1)
	row[5] = &text
	row[6] = []byte(`{"party_identification":{"parties":["Acme Corp"],"confidence":1},"financial_details":{"confidence":"0.5"}}`)
	row[7] = &score
	row[9] = "rules"

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(row...))

	j, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, j.Status)
	require.NotNil(t, j.ExtractedFields)
	assert.Equal(t, []string{"Acme Corp"}, j.ExtractedFields.PartyIdentification.Parties)
	assert.Equal(t, "0.5", j.ExtractedFields.FinancialDetails.Confidence.Raw)
	require.NotNil(t, j.OverallScore)
	assert.InDelta(t, 55.0, *j.OverallScore, 0.001)
	assert.Equal(t, "rules", j.Strategy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginProcessing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE jobs SET status = \$1, attempts = attempts \+ 1, updated_at = \$2 WHERE id = \$3 AND status = ANY\(\$4\) RETURNING`).
		WithArgs("processing", pgTestNow, "job-1", []string{"pending", "processing"}).
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow("job-1", "processing", 1)...))

	j, err := s.BeginProcessing(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginProcessing_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE jobs SET status`).
		WithArgs("processing", pgTestNow, "job-1", []string{"pending", "processing"}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow("job-1", "completed", 1)...))

	_, err := s.BeginProcessing(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTerminal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, raw_text = \$2, extracted_fields = \$3, overall_score = \$4`).
		WithArgs("completed", "text", pgxmock.AnyArg(), 55.0, "rules", pgTestNow, "job-1", []string{"processing"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.CompleteJob(context.Background(), "job-1", model.Completion{
		RawText: "text", Fields: model.EmptyFields(), Score: 55, Strategy: "rules",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, raw_text`).
		WithArgs("completed", "", pgxmock.AnyArg(), 0.0, "", pgTestNow, "job-1", []string{"processing"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow("job-1", "failed", 1)...))

	err := s.CompleteJob(context.Background(), "job-1", model.Completion{Fields: model.EmptyFields()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStaleTransition))
	assert.Contains(t, err.Error(), "failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, error_message = \$2`).
		WithArgs("failed", "boom", pgTestNow, "missing", []string{"processing"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := s.FailJob(context.Background(), "missing", "boom")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	after := pgTestNow.Add(-time.Hour)

	mock.ExpectQuery(`FROM jobs WHERE true AND status = \$1 AND uploaded_at > \$2 ORDER BY uploaded_at DESC, id LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", after, 10, 20).
		WillReturnRows(pgxmock.NewRows(jobColumns).AddRow(jobRow("job-1", "failed", 1)...))

	jobs, err := s.ListJobs(context.Background(), JobFilter{
		Status: model.JobStatusFailed, UploadedAfter: after, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListStale(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := pgTestNow.Add(-15 * time.Minute)

	mock.ExpectQuery(`WHERE status = ANY\(\$1\) AND updated_at < \$2`).
		WithArgs([]string{"pending", "processing"}, cutoff).
		WillReturnRows(pgxmock.NewRows(jobColumns))

	jobs, err := s.ListStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, count\(\*\) FROM jobs GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(2)).
			AddRow("completed", int64(5)))

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.JobStatusPending])
	assert.Equal(t, 5, counts[model.JobStatusCompleted])
	assert.Equal(t, 0, counts[model.JobStatusFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}
