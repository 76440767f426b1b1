package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/store"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalMins: 1, LookbackHours: 24}
	checker := NewChecker(NewCollector(store.NewMemory(), nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(store.NewMemory(), nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsStuckAlert(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	st := store.NewMemory()
	seedJob(t, st, "stuck", model.JobStatusPending, time.Now().UTC().Add(-3*time.Hour), 0)

	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		FailureRateThreshold: 0.25,
		StuckThreshold:       1,
		StuckAfterMins:       60,
		LookbackHours:        24,
	}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg)

	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, int32(1), received.Load())
}

func TestStuckAfter(t *testing.T) {
	assert.Equal(t, 30*time.Minute, StuckAfter(config.MonitoringConfig{}))
	assert.Equal(t, 5*time.Minute, StuckAfter(config.MonitoringConfig{StuckAfterMins: 5}))
}

type countingSweeper struct {
	calls     atomic.Int32
	olderThan time.Duration
}

func (s *countingSweeper) Requeue(_ context.Context, olderThan time.Duration) (int, error) {
	s.calls.Add(1)
	s.olderThan = olderThan
	return 1, nil
}

func TestChecker_SweepsStuckJobs(t *testing.T) {
	st := store.NewMemory()
	seedJob(t, st, "stuck", model.JobStatusPending, time.Now().UTC().Add(-3*time.Hour), 0)

	cfg := config.MonitoringConfig{StuckAfterMins: 60, LookbackHours: 24}
	sweeper := &countingSweeper{}
	checker := NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg, WithSweeper(sweeper))

	assert.Zero(t, checker.Check(context.Background()))
	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, time.Hour, sweeper.olderThan)
}

func TestChecker_NoSweepWithoutStuckJobs(t *testing.T) {
	st := store.NewMemory()
	seedJob(t, st, "fresh", model.JobStatusPending, time.Now().UTC(), 0)

	cfg := config.MonitoringConfig{StuckAfterMins: 60, LookbackHours: 24}
	sweeper := &countingSweeper{}
	NewChecker(NewCollector(st, nil), NewAlerter(cfg), cfg, WithSweeper(sweeper)).Check(context.Background())
	assert.Zero(t, sweeper.calls.Load())
}
