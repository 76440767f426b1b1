// Package monitoring summarises job health and raises webhook alerts when
// failure rate or stuck work crosses configured thresholds.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/store"
)

// Snapshot holds a point-in-time view of job processing health.
type Snapshot struct {
	// Jobs uploaded within the lookback window.
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	FailureRate float64 `json:"failure_rate"`
	AvgScore    float64 `json:"avg_score"`

	// Non-terminal jobs untouched for longer than the stuck threshold,
	// regardless of upload time.
	Stuck int `json:"stuck"`

	// Up to maxRecentFailures of the newest failures in the window.
	RecentFailures []FailureSample `json:"recent_failures,omitempty"`

	// All-time counts per status.
	AllTime map[model.JobStatus]int `json:"all_time"`

	// QueueDepth is -1 when the queue cannot report it.
	QueueDepth int `json:"queue_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// FailureSample identifies one failed job for alert payloads.
type FailureSample struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Error     string    `json:"error"`
	UpdatedAt time.Time `json:"updated_at"`
}

const maxRecentFailures = 5

// Finished returns the number of terminal jobs in the window.
func (s *Snapshot) Finished() int {
	return s.Completed + s.Failed
}

// DepthFunc reports how many deliveries are waiting in the queue.
type DepthFunc func(ctx context.Context) (int, error)

// Collector gathers snapshots from the job store.
type Collector struct {
	store store.Store
	depth DepthFunc
	now   func() time.Time
}

// NewCollector creates a collector. depth may be nil.
func NewCollector(st store.Store, depth DepthFunc) *Collector {
	return &Collector{
		store: st,
		depth: depth,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Collect builds a snapshot over jobs uploaded in the last lookbackHours.
// Jobs not updated for stuckAfter are counted as stuck.
func (c *Collector) Collect(ctx context.Context, lookbackHours int, stuckAfter time.Duration) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		QueueDepth:    -1,
	}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		UploadedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	var totalScore float64
	var scored int
	for _, j := range jobs {
		snap.Total++
		switch j.Status {
		case model.JobStatusPending:
			snap.Pending++
		case model.JobStatusProcessing:
			snap.Processing++
		case model.JobStatusCompleted:
			snap.Completed++
			if j.OverallScore != nil {
				totalScore += *j.OverallScore
				scored++
			}
		case model.JobStatusFailed:
			snap.Failed++
			snap.RecentFailures = append(snap.RecentFailures, failureSample(j))
		}
	}
	sort.Slice(snap.RecentFailures, func(a, b int) bool {
		return snap.RecentFailures[a].UpdatedAt.After(snap.RecentFailures[b].UpdatedAt)
	})
	if len(snap.RecentFailures) > maxRecentFailures {
		snap.RecentFailures = snap.RecentFailures[:maxRecentFailures]
	}
	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.Failed) / float64(finished)
	}
	if scored > 0 {
		snap.AvgScore = totalScore / float64(scored)
	}

	stale, err := c.store.ListStale(ctx, now.Add(-stuckAfter))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list stale jobs")
	}
	snap.Stuck = len(stale)

	snap.AllTime, err = c.store.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}

	if c.depth != nil {
		d, err := c.depth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue depth")
		}
		snap.QueueDepth = d
	}

	return snap, nil
}

func failureSample(j model.Job) FailureSample {
	fs := FailureSample{ID: j.ID, Filename: j.Filename, UpdatedAt: j.UpdatedAt}
	if j.ErrorMessage != nil {
		fs.Error = *j.ErrorMessage
	}
	return fs
}
