// Package query serves read-only views of jobs and their documents.
package query

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/blob"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/monitoring"
	"github.com/sells-group/contracts-cli/internal/store"
)

// StatusView is the status projection of a job.
type StatusView struct {
	ID           string          `json:"id"`
	Status       model.JobStatus `json:"status"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
}

// Facade answers queries against the store and blob store. It never writes.
type Facade struct {
	store     store.Store
	blobs     blob.Store
	collector *monitoring.Collector
}

// New creates a facade. collector may be nil, in which case Stats uses a
// collector over st without queue depth.
func New(st store.Store, blobs blob.Store, collector *monitoring.Collector) *Facade {
	if collector == nil {
		collector = monitoring.NewCollector(st, nil)
	}
	return &Facade{store: st, blobs: blobs, collector: collector}
}

// ListAll returns summaries of every job, newest first.
func (f *Facade) ListAll(ctx context.Context, filter store.JobFilter) ([]model.JobSummary, error) {
	jobs, err := f.Jobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]model.JobSummary, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobs[i].Summary())
	}
	return out, nil
}

// Jobs returns list rows (no raw text or fields) with scores and errors,
// newest first.
func (f *Facade) Jobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	jobs, err := f.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "query: list jobs")
	}
	return jobs, nil
}

// Status returns the job's status and, when failed, its error message.
func (f *Facade) Status(ctx context.Context, id string) (*StatusView, error) {
	j, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:           j.ID,
		Status:       j.Status,
		ErrorMessage: j.ErrorMessage,
		Attempts:     j.Attempts,
	}, nil
}

// Get returns the full job record.
func (f *Facade) Get(ctx context.Context, id string) (*model.Job, error) {
	j, err := f.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "query: get job %s", id)
	}
	return j, nil
}

// Download opens the job's original document. The caller closes the
// reader. A missing blob is reported as model.ErrNotFound.
func (f *Facade) Download(ctx context.Context, id string) (io.ReadCloser, *model.Job, error) {
	j, err := f.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := f.blobs.Get(ctx, j.BlobPath)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil, eris.Wrapf(model.ErrNotFound, "document for job %s", id)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "query: open document for job %s", id)
	}
	return rc, j, nil
}

// Stats returns a monitoring snapshot.
func (f *Facade) Stats(ctx context.Context, lookbackHours int, stuckAfter time.Duration) (*monitoring.Snapshot, error) {
	return f.collector.Collect(ctx, lookbackHours, stuckAfter)
}
