package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/config"
)

// Names under which the workflow and activity are registered.
const (
	WorkflowName = "ProcessContract"
	ActivityName = "ProcessContractJob"
)

// JobInput is the workflow argument.
type JobInput struct {
	JobID string `json:"job_id"`
	// StartToCloseSecs bounds one activity attempt.
	StartToCloseSecs int `json:"start_to_close_secs"`
	// MaxAttempts caps deliveries of the activity.
	MaxAttempts int32 `json:"max_attempts"`
}

// ProcessJobWorkflow runs the job activity with Temporal's retry policy.
// Every delivery is an activity attempt; the handler's idempotence makes
// retries safe.
func ProcessJobWorkflow(ctx workflow.Context, in JobInput) error {
	timeout := time.Duration(in.StartToCloseSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    in.MaxAttempts,
		},
	})
	return workflow.ExecuteActivity(ctx, ActivityName, in.JobID).Get(ctx, nil)
}

// TemporalQueue uses one workflow execution per job as the delivery
// mechanism. The workflow id is derived from the job id, so enqueueing a job
// that is already running attaches to the existing execution.
type TemporalQueue struct {
	client    client.Client
	taskQueue string
	opts      Options
}

// DialTemporal connects to the Temporal frontend.
func DialTemporal(cfg config.TemporalConfig, opts Options) (*TemporalQueue, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dial temporal %s", cfg.HostPort)
	}
	return NewTemporal(c, cfg.TaskQueue, opts), nil
}

// NewTemporal wraps an existing client.
func NewTemporal(c client.Client, taskQueue string, opts Options) *TemporalQueue {
	return &TemporalQueue{client: c, taskQueue: taskQueue, opts: opts.withDefaults()}
}

// WorkflowID returns the workflow id used for a job.
func WorkflowID(jobID string) string {
	return "contract-" + jobID
}

func (q *TemporalQueue) input(jobID string) JobInput {
	return JobInput{
		JobID:            jobID,
		StartToCloseSecs: int(q.opts.VisibilityTimeout / time.Second),
		MaxAttempts:      int32(q.opts.MaxDeliveries),
	}
}

func (q *TemporalQueue) Enqueue(ctx context.Context, jobID string) error {
	run, err := q.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(jobID),
		TaskQueue: q.taskQueue,
	}, WorkflowName, q.input(jobID))
	if err != nil {
		return eris.Wrapf(err, "queue: start workflow for %s", jobID)
	}
	zap.L().Debug("queue: workflow started",
		zap.String("job_id", jobID),
		zap.String("run_id", run.GetRunID()),
	)
	return nil
}

// Register adds the workflow and an activity that calls h to w.
func Register(w worker.Registry, h Handler) {
	w.RegisterWorkflowWithOptions(ProcessJobWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(func(ctx context.Context, jobID string) error {
		return h(ctx, jobID)
	}, activity.RegisterOptions{Name: ActivityName})
}

// Consume runs a Temporal worker on the task queue until ctx is cancelled.
func (q *TemporalQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	w := worker.New(q.client, q.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	Register(w, h)

	if err := w.Start(); err != nil {
		return eris.Wrap(err, "queue: start temporal worker")
	}
	zap.L().Info("queue: temporal worker started",
		zap.String("task_queue", q.taskQueue),
		zap.Int("concurrency", concurrency),
	)
	<-ctx.Done()
	w.Stop()
	return nil
}

func (q *TemporalQueue) Close() error {
	q.client.Close()
	return nil
}
