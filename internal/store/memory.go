package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/model"
)

// MemoryStore keeps jobs in a map. Used by tests and `serve` with the memory
// queue for single-process demos.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job), now: time.Now}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return eris.Errorf("memory: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "job %s", id)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Job{}
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if !filter.UploadedAfter.IsZero() && !j.UploadedAt.After(filter.UploadedAfter) {
			continue
		}
		out = append(out, lightJob(j))
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := b.UploadedAt.Compare(a.UploadedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []model.Job{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStale(_ context.Context, updatedBefore time.Time) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Job{}
	for _, j := range s.jobs {
		if !j.Status.Terminal() && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, lightJob(j))
		}
	}
	slices.SortFunc(out, func(a, b model.Job) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) BeginProcessing(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, missError(id, nil, model.JobStatusProcessing)
	}
	if !j.BeginProcessing(s.now()) {
		return nil, missError(id, j, model.JobStatusProcessing)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id string, c model.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.transitionable(id, model.JobStatusCompleted)
	if err != nil {
		return err
	}
	j.Complete(c, s.now())
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.transitionable(id, model.JobStatusFailed)
	if err != nil {
		return err
	}
	j.Fail(reason, s.now())
	return nil
}

// transitionable returns the stored job if it may move to target. Caller
// holds s.mu.
func (s *MemoryStore) transitionable(id string, target model.JobStatus) (*model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, missError(id, nil, target)
	}
	if !model.CanTransition(j.Status, target) {
		return nil, missError(id, j, target)
	}
	return j, nil
}

func (s *MemoryStore) CountByStatus(context.Context) (map[model.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := zeroCounts()
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	if j.RawText != nil {
		v := *j.RawText
		c.RawText = &v
	}
	if j.ExtractedFields != nil {
		f := *j.ExtractedFields
		f.PartyIdentification.Parties = slices.Clone(f.PartyIdentification.Parties)
		c.ExtractedFields = &f
	}
	if j.OverallScore != nil {
		v := *j.OverallScore
		c.OverallScore = &v
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		c.ErrorMessage = &v
	}
	return &c
}

// lightJob matches what the SQL stores return from list queries.
func lightJob(j *model.Job) model.Job {
	c := cloneJob(j)
	c.RawText = nil
	c.ExtractedFields = nil
	return *c
}
