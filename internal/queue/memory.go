package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = eris.New("queue: closed")

// MemoryQueue is a channel-backed queue for a single process. Deliveries are
// lost on exit; jobs left Pending are picked up again by requeue.
type MemoryQueue struct {
	opts Options
	ch   chan string

	mu         sync.Mutex
	deliveries map[string]int
	closed     bool
	done       chan struct{}
	pending    sync.WaitGroup
}

// NewMemory creates a memory queue.
func NewMemory(opts Options) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		opts:       opts,
		ch:         make(chan string, opts.Buffer),
		deliveries: make(map[string]int),
		done:       make(chan struct{}),
	}
}

// Enqueue blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.ch <- jobID:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "queue: enqueue %s", jobID)
	}
}

// Len reports how many ids are buffered.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume runs concurrency handlers until ctx is cancelled or the queue is
// closed.
func (q *MemoryQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for range concurrency {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-q.done:
					return nil
				case id := <-q.ch:
					q.deliver(gctx, id, h)
				}
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) deliver(ctx context.Context, id string, h Handler) {
	q.mu.Lock()
	q.deliveries[id]++
	n := q.deliveries[id]
	q.mu.Unlock()

	err := h(ctx, id)
	if err == nil {
		q.forget(id)
		return
	}

	if n >= q.opts.MaxDeliveries {
		q.forget(id)
		zap.L().Error("queue: giving up on job",
			zap.String("job_id", id),
			zap.Int("deliveries", n),
			zap.Error(err),
		)
		return
	}

	delay := q.opts.redeliveryDelay(n)
	zap.L().Warn("queue: redelivering job",
		zap.String("job_id", id),
		zap.Int("deliveries", n),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.pending.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-q.done:
			return
		}
		select {
		case q.ch <- id:
		case <-q.done:
		}
	}()
}

func (q *MemoryQueue) forget(id string) {
	q.mu.Lock()
	delete(q.deliveries, id)
	q.mu.Unlock()
}

// Close stops consumers and drops buffered ids.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.pending.Wait()
	return nil
}
