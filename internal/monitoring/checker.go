package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/config"
)

// Sweeper re-enqueues jobs that have not moved for olderThan.
type Sweeper interface {
	Requeue(ctx context.Context, olderThan time.Duration) (int, error)
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithSweeper makes every check requeue stuck jobs after alerting on them.
func WithSweeper(s Sweeper) CheckerOption {
	return func(c *Checker) { c.sweeper = s }
}

// Checker periodically snapshots job health, alerts on it and optionally
// sweeps stuck jobs back onto the queue.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	sweeper   Sweeper
	cfg       config.MonitoringConfig
}

// NewChecker creates a background checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StuckAfter returns the configured stuck threshold, defaulting to 30m.
func StuckAfter(cfg config.MonitoringConfig) time.Duration {
	if cfg.StuckAfterMins <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(cfg.StuckAfterMins) * time.Minute
}

// Run checks once immediately, then every check interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
		zap.Bool("auto_requeue", c.sweeper != nil),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("monitoring: checker stopped")
			return
		}
		c.Check(ctx)

		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check takes one snapshot, sends the alerts it triggers and, with a sweeper,
// requeues stuck jobs. Returns the number of alerts sent.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	stuckAfter := StuckAfter(c.cfg)

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours, stuckAfter)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}
	log.Debug("monitoring: snapshot",
		zap.Int("total", snap.Total),
		zap.Int("failed", snap.Failed),
		zap.Int("stuck", snap.Stuck),
		zap.Int("queue_depth", snap.QueueDepth),
	)

	sent := 0
	if alerts := c.alerter.Evaluate(snap); len(alerts) > 0 {
		sent = c.alerter.SendAlerts(ctx, alerts)
		log.Info("monitoring: alert check complete",
			zap.Int("alerts_triggered", len(alerts)),
			zap.Int("alerts_sent", sent),
		)
	}

	if c.sweeper != nil && snap.Stuck > 0 {
		n, err := c.sweeper.Requeue(ctx, stuckAfter)
		if err != nil {
			log.Warn("monitoring: requeue sweep incomplete", zap.Int("requeued", n), zap.Error(err))
		} else {
			log.Info("monitoring: requeued stuck jobs", zap.Int("requeued", n))
		}
	}
	return sent
}
