// Package store persists job records. Every status change is a conditional
// update keyed on the legal source statuses, so concurrent deliveries of the
// same job cannot overwrite each other.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/db"
	"github.com/sells-group/contracts-cli/internal/model"
)

// JobFilter specifies criteria for listing jobs. A zero Limit lists everything.
type JobFilter struct {
	Status        model.JobStatus `json:"status,omitempty"`
	UploadedAfter time.Time       `json:"uploaded_after,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Offset        int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for job records.
type Store interface {
	// CreateJob inserts a new Pending record.
	CreateJob(ctx context.Context, job *model.Job) error
	// GetJob returns the full record or model.ErrNotFound.
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// ListJobs returns records newest first, without raw text or fields.
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// BeginProcessing moves the job to Processing and bumps its attempt
	// count. Returns model.ErrTerminal if the job already finished.
	BeginProcessing(ctx context.Context, id string) (*model.Job, error)
	// CompleteJob and FailJob return model.ErrStaleTransition when the job
	// is no longer Processing.
	CompleteJob(ctx context.Context, id string, c model.Completion) error
	FailJob(ctx context.Context, id string, reason string) error

	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	// ListStale returns non-terminal jobs last updated before the cutoff.
	ListStale(ctx context.Context, updatedBefore time.Time) ([]model.Job, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// missError explains why a conditional transition to target matched no row,
// given the job's current state (nil when the job does not exist).
func missError(id string, current *model.Job, target model.JobStatus) error {
	switch {
	case current == nil:
		return eris.Wrapf(model.ErrNotFound, "job %s", id)
	case target == model.JobStatusProcessing && current.Status.Terminal():
		return eris.Wrapf(model.ErrTerminal, "job %s is %s", id, current.Status)
	default:
		return eris.Wrapf(model.ErrStaleTransition, "job %s is %s, cannot move to %s", id, current.Status, target)
	}
}

// lookupForMiss fetches the current record after a conditional update missed.
func lookupForMiss(ctx context.Context, s Store, id string, target model.JobStatus) error {
	current, err := s.GetJob(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return missError(id, nil, target)
	}
	if err != nil {
		return err
	}
	return missError(id, current, target)
}

func zeroCounts() map[model.JobStatus]int {
	counts := make(map[model.JobStatus]int, 4)
	for _, st := range model.AllJobStatuses() {
		counts[st] = 0
	}
	return counts
}

// decodeFields unmarshals a stored extracted_fields document into j.
// Empty input leaves j.ExtractedFields nil.
func decodeFields(raw []byte, j *model.Job) error {
	if len(raw) == 0 {
		return nil
	}
	var f model.ExtractedFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return eris.Wrapf(err, "store: decode fields for job %s", j.ID)
	}
	j.ExtractedFields = &f
	return nil
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// New opens the configured store. pool is used by the postgres driver and
// may be nil otherwise.
func New(cfg config.StoreConfig, pool db.Pool) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		if pool == nil {
			return nil, eris.New("store: postgres driver requires a database pool")
		}
		return NewPostgres(pool), nil
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
