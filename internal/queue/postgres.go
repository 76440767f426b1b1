package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/contracts-cli/internal/db"
)

// PostgresQueue stores pending deliveries in the job_queue table (created by
// the Postgres store migration) and claims them with FOR UPDATE SKIP LOCKED,
// so any number of worker processes can share it.
type PostgresQueue struct {
	pool db.Pool
	opts Options
	now  func() time.Time
}

// NewPostgres creates a queue on an open pool. The pool is owned by the
// caller.
func NewPostgres(pool db.Pool, opts Options) *PostgresQueue {
	return &PostgresQueue{pool: pool, opts: opts.withDefaults(), now: time.Now}
}

// Enqueue makes jobID visible now. Re-enqueueing a queued id resets its
// visibility and delivery count; an in-flight claim on it will no longer
// settle the entry.
func (q *PostgresQueue) Enqueue(ctx context.Context, jobID string) error {
	now := q.now().UTC()
	_, err := q.pool.Exec(ctx,
		`INSERT INTO job_queue (job_id, enqueued_at, visible_at, attempts) VALUES ($1, $2, $2, 0)
		ON CONFLICT (job_id) DO UPDATE SET visible_at = EXCLUDED.visible_at, attempts = 0`,
		jobID, now,
	)
	return eris.Wrapf(err, "queue: enqueue %s", jobID)
}

// claim is one delivery. visibleAt is the hide-until time the claim set and
// acts as its token: ack and nack only touch the row while it still holds it.
type claim struct {
	jobID     string
	attempts  int
	visibleAt time.Time
}

// claimNext hides the oldest visible entry for the visibility timeout and
// returns it, or nil when nothing is ready.
func (q *PostgresQueue) claimNext(ctx context.Context) (*claim, error) {
	now := q.now().UTC()
	var c claim
	err := q.pool.QueryRow(ctx,
		`UPDATE job_queue SET visible_at = $1, attempts = attempts + 1
		WHERE job_id = (
			SELECT job_id FROM job_queue WHERE visible_at <= $2
			ORDER BY enqueued_at FOR UPDATE SKIP LOCKED LIMIT 1
		)
		RETURNING job_id, attempts, visible_at`,
		now.Add(q.opts.VisibilityTimeout), now,
	).Scan(&c.jobID, &c.attempts, &c.visibleAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim")
	}
	return &c, nil
}

func (q *PostgresQueue) ack(ctx context.Context, c *claim) error {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM job_queue WHERE job_id = $1 AND visible_at = $2`,
		c.jobID, c.visibleAt,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", c.jobID)
	}
	if tag.RowsAffected() == 0 {
		zap.L().Debug("queue: entry re-enqueued during delivery, leaving it queued",
			zap.String("job_id", c.jobID),
		)
	}
	return nil
}

func (q *PostgresQueue) nack(ctx context.Context, c *claim) error {
	if c.attempts >= q.opts.MaxDeliveries {
		zap.L().Error("queue: giving up on job",
			zap.String("job_id", c.jobID),
			zap.Int("deliveries", c.attempts),
		)
		return q.ack(ctx, c)
	}
	_, err := q.pool.Exec(ctx,
		`UPDATE job_queue SET visible_at = $1 WHERE job_id = $2 AND visible_at = $3`,
		q.now().UTC().Add(q.opts.redeliveryDelay(c.attempts)), c.jobID, c.visibleAt,
	)
	return eris.Wrapf(err, "queue: nack %s", c.jobID)
}

// Consume polls the table with concurrency goroutines until ctx is
// cancelled.
func (q *PostgresQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for range concurrency {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				handled, err := q.poll(gctx, h)
				if err != nil && gctx.Err() == nil {
					zap.L().Warn("queue: poll failed", zap.Error(err))
				}
				if !handled && !sleepCtx(gctx, q.opts.PollInterval) {
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// poll claims and handles at most one entry. handled is false when the
// table had nothing ready.
func (q *PostgresQueue) poll(ctx context.Context, h Handler) (handled bool, err error) {
	c, err := q.claimNext(ctx)
	if err != nil || c == nil {
		return false, err
	}

	// Settle the claim even if ctx is cancelled mid-handler.
	settleCtx := context.WithoutCancel(ctx)
	if herr := h(ctx, c.jobID); herr != nil {
		zap.L().Warn("queue: handler failed, redelivering",
			zap.String("job_id", c.jobID),
			zap.Int("deliveries", c.attempts),
			zap.Error(herr),
		)
		return true, q.nack(settleCtx, c)
	}
	return true, q.ack(settleCtx, c)
}

// Depth reports how many entries are queued, claimed or not.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM job_queue`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "queue: depth")
	}
	return int(n), nil
}

// Close is a no-op; the pool belongs to the caller.
func (q *PostgresQueue) Close() error { return nil }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
