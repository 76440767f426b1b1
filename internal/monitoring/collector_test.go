package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/store"
)

// seedJob creates a job uploaded at the given time and drives it to status.
func seedJob(t *testing.T, st store.Store, id string, status model.JobStatus, uploaded time.Time, score float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateJob(ctx, model.NewJob(id, id+".pdf", "contracts/"+id, "", uploaded)))
	if status == model.JobStatusPending {
		return
	}
	_, err := st.BeginProcessing(ctx, id)
	require.NoError(t, err)
	switch status {
	case model.JobStatusCompleted:
		require.NoError(t, st.CompleteJob(ctx, id, model.Completion{Fields: model.EmptyFields(), Score: score}))
	case model.JobStatusFailed:
		require.NoError(t, st.FailJob(ctx, id, "boom"))
	}
}

type errStore struct {
	store.Store
	listErr  error
	staleErr error
}

func (s *errStore) ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Store.ListJobs(ctx, f)
}

func (s *errStore) ListStale(ctx context.Context, before time.Time) ([]model.Job, error) {
	if s.staleErr != nil {
		return nil, s.staleErr
	}
	return s.Store.ListStale(ctx, before)
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(store.NewMemory(), nil)

	snap, err := c.Collect(context.Background(), 24, time.Hour)
	require.NoError(t, err)

	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.AvgScore)
	assert.Equal(t, -1, snap.QueueDepth)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Len(t, snap.AllTime, 4)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_JobMetrics(t *testing.T) {
	now := time.Now().UTC()
	st := store.NewMemory()
	seedJob(t, st, "c1", model.JobStatusCompleted, now.Add(-1*time.Hour), 55)
	seedJob(t, st, "c2", model.JobStatusCompleted, now.Add(-2*time.Hour), 85)
	seedJob(t, st, "f1", model.JobStatusFailed, now.Add(-3*time.Hour), 0)
	seedJob(t, st, "p1", model.JobStatusProcessing, now.Add(-10*time.Minute), 0)
	seedJob(t, st, "q1", model.JobStatusPending, now.Add(-5*time.Minute), 0)
	// Outside the lookback window, and long untouched.
	seedJob(t, st, "old", model.JobStatusPending, now.Add(-48*time.Hour), 0)

	c := NewCollector(st, func(context.Context) (int, error) { return 7, nil })
	snap, err := c.Collect(context.Background(), 24, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Processing)
	assert.Equal(t, 1, snap.Pending)
	assert.InDelta(t, 1.0/3.0, snap.FailureRate, 0.001)
	assert.InDelta(t, 70.0, snap.AvgScore, 0.001)
	assert.Equal(t, 1, snap.Stuck)
	assert.Equal(t, 2, snap.AllTime[model.JobStatusPending])
	assert.Equal(t, 7, snap.QueueDepth)
	require.Len(t, snap.RecentFailures, 1)
	assert.Equal(t, "f1", snap.RecentFailures[0].ID)
	assert.Equal(t, "f1.pdf", snap.RecentFailures[0].Filename)
	assert.Equal(t, "boom", snap.RecentFailures[0].Error)
}

func TestCollector_RecentFailuresCapped(t *testing.T) {
	now := time.Now().UTC()
	st := store.NewMemory()
	for i := range 8 {
		seedJob(t, st, fmt.Sprintf("f%d", i), model.JobStatusFailed, now.Add(-time.Duration(i+1)*time.Minute), 0)
	}

	snap, err := NewCollector(st, nil).Collect(context.Background(), 24, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 8, snap.Failed)
	assert.Len(t, snap.RecentFailures, maxRecentFailures)
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	now := time.Now().UTC()
	st := store.NewMemory()
	seedJob(t, st, "q1", model.JobStatusPending, now.Add(-time.Minute), 0)
	seedJob(t, st, "q2", model.JobStatusPending, now.Add(-2*time.Minute), 0)

	snap, err := NewCollector(st, nil).Collect(context.Background(), 24, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.Stuck)
}

func TestCollector_Errors(t *testing.T) {
	boom := errors.New("db down")

	_, err := NewCollector(&errStore{Store: store.NewMemory(), listErr: boom}, nil).
		Collect(context.Background(), 24, time.Hour)
	assert.ErrorIs(t, err, boom)

	_, err = NewCollector(&errStore{Store: store.NewMemory(), staleErr: boom}, nil).
		Collect(context.Background(), 24, time.Hour)
	assert.ErrorIs(t, err, boom)

	_, err = NewCollector(store.NewMemory(), func(context.Context) (int, error) { return 0, boom }).
		Collect(context.Background(), 24, time.Hour)
	assert.ErrorIs(t, err, boom)
}
