package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate  AlertType = "job_failure_rate"
	AlertStuckJobs    AlertType = "stuck_jobs"
	AlertQueueBacklog AlertType = "queue_backlog"
)

// alertSource tags every webhook payload so a shared channel can tell
// contract alerts from other services.
const alertSource = "contracts-cli"

// minFinishedForRate keeps a single early failure from paging anyone.
const minFinishedForRate = 5

// Alert is one webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Source    string         `json:"source"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a Snapshot into alerts and posts them to a webhook. Repeats
// of an alert type inside the cooldown are dropped, so a backlog that lasts an
// afternoon pages once rather than every check interval.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[AlertType]time.Time),
	}
}

// Evaluate returns the alerts snap triggers, most severe first.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := a.now()

	finished := snap.Finished()
	if finished >= minFinishedForRate && snap.FailureRate > a.cfg.FailureRateThreshold {
		details := map[string]any{
			"failure_rate": snap.FailureRate,
			"threshold":    a.cfg.FailureRateThreshold,
			"failed":       snap.Failed,
			"finished":     finished,
		}
		if len(snap.RecentFailures) > 0 {
			details["recent_failures"] = snap.RecentFailures
		}
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Contract failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details:   details,
			Timestamp: now,
		})
	}

	if a.cfg.StuckThreshold > 0 && snap.Stuck >= a.cfg.StuckThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertStuckJobs,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d job(s) have not progressed in %d minutes",
				snap.Stuck, a.cfg.StuckAfterMins,
			),
			Details: map[string]any{
				"stuck":       snap.Stuck,
				"threshold":   a.cfg.StuckThreshold,
				"queue_depth": snap.QueueDepth,
			},
			Timestamp: now,
		})
	}

	if a.cfg.QueueBacklogThreshold > 0 && snap.QueueDepth >= a.cfg.QueueBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d contract(s) waiting in the queue (threshold %d); workers may be down or undersized",
				snap.QueueDepth, a.cfg.QueueBacklogThreshold,
			),
			Details: map[string]any{
				"queue_depth": snap.QueueDepth,
				"pending":     snap.AllTime[model.JobStatusPending],
				"processing":  snap.AllTime[model.JobStatusProcessing],
			},
			Timestamp: now,
		})
	}

	for i := range alerts {
		alerts[i].Source = alertSource
	}
	return alerts
}

// SendAlerts posts alerts to the webhook and returns how many were delivered.
// Alerts still inside their cooldown are skipped and not counted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if a.cooling(alert.Type) {
			zap.L().Debug("monitoring: alert suppressed by cooldown", zap.String("type", string(alert.Type)))
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.markSent(alert.Type)
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) cooling(t AlertType) bool {
	if a.cfg.AlertCooldownMins <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[t]
	return ok && a.now().Sub(last) < time.Duration(a.cfg.AlertCooldownMins)*time.Minute
}

func (a *Alerter) markSent(t AlertType) {
	a.mu.Lock()
	a.lastSent[t] = a.now()
	a.mu.Unlock()
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
