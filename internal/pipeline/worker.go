// Package pipeline runs uploaded documents through text extraction, field
// extraction and scoring, recording the outcome on the job record.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/blob"
	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/extract"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/ocr"
	"github.com/sells-group/contracts-cli/internal/queue"
	"github.com/sells-group/contracts-cli/internal/scoring"
	"github.com/sells-group/contracts-cli/internal/store"
)

// Options bound a single job.
type Options struct {
	Concurrency      int
	JobTimeout       time.Duration
	MaxDocumentBytes int64
	// SettleTimeout bounds the final store write after the job deadline.
	SettleTimeout time.Duration
}

// OptionsFromConfig converts worker settings.
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		Concurrency:      cfg.Concurrency,
		JobTimeout:       time.Duration(cfg.JobTimeoutSecs) * time.Second,
		MaxDocumentBytes: cfg.MaxDocumentBytes,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.MaxDocumentBytes <= 0 {
		o.MaxDocumentBytes = 25 << 20
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 30 * time.Second
	}
	return o
}

// Worker processes one job per delivery. It is the only writer of a job
// record after ingest creates it.
type Worker struct {
	store  store.Store
	blobs  blob.Store
	text   ocr.Extractor
	engine extract.Engine
	policy *scoring.Policy
	opts   Options
}

// NewWorker creates a worker.
func NewWorker(st store.Store, blobs blob.Store, text ocr.Extractor, engine extract.Engine, policy *scoring.Policy, opts Options) *Worker {
	if policy == nil {
		policy = scoring.NewPolicy(nil)
	}
	return &Worker{
		store:  st,
		blobs:  blobs,
		text:   text,
		engine: engine,
		policy: policy,
		opts:   opts.withDefaults(),
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, consumer queue.Consumer) error {
	zap.L().Info("pipeline: worker pool starting",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.String("strategy", w.engine.Name()),
	)
	err := consumer.Consume(ctx, w.opts.Concurrency, w.Process)
	zap.L().Info("pipeline: worker pool stopped")
	return err
}

// Process handles one delivery of jobID. Stage failures are recorded on the
// job and swallowed; only metadata store failures are returned, so the queue
// redelivers. Processing runs detached from ctx's cancellation under the
// job timeout.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	log := zap.L().With(zap.String("job_id", jobID))
	base := context.WithoutCancel(ctx)

	jobCtx, cancel := context.WithTimeout(extract.WithJobID(base, jobID), w.opts.JobTimeout)
	defer cancel()

	job, err := w.store.BeginProcessing(jobCtx, jobID)
	switch {
	case errors.Is(err, model.ErrTerminal):
		log.Info("pipeline: job already finished, skipping")
		return nil
	case errors.Is(err, model.ErrNotFound):
		log.Warn("pipeline: job record missing, dropping delivery")
		return nil
	case err != nil:
		return eris.Wrapf(err, "pipeline: begin processing %s", jobID)
	}
	if job.Attempts > 1 {
		log.Info("pipeline: redelivered job", zap.Int("attempt", job.Attempts))
	}

	start := time.Now()
	completion, stageErr := w.runStages(jobCtx, job, log)

	settleCtx, settleCancel := context.WithTimeout(base, w.opts.SettleTimeout)
	defer settleCancel()

	if stageErr != nil {
		reason := stageErr.Error()
		if err := w.store.FailJob(settleCtx, jobID, reason); err != nil {
			return w.settleError(log, err, "record failure")
		}
		log.Warn("pipeline: job failed",
			zap.String("reason", reason),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil
	}

	if err := w.store.CompleteJob(settleCtx, jobID, *completion); err != nil {
		return w.settleError(log, err, "record completion")
	}
	log.Info("pipeline: job completed",
		zap.Float64("score", completion.Score),
		zap.String("strategy", completion.Strategy),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// settleError treats a lost race with another delivery as done.
func (w *Worker) settleError(log *zap.Logger, err error, op string) error {
	if errors.Is(err, model.ErrStaleTransition) {
		log.Info("pipeline: another delivery finished the job first", zap.Error(err))
		return nil
	}
	return eris.Wrapf(err, "pipeline: %s", op)
}

// runStages executes fetch, text, extract and score. A panic in any stage
// becomes an error so the job is marked failed instead of killing the
// worker.
func (w *Worker) runStages(ctx context.Context, job *model.Job, log *zap.Logger) (c *model.Completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: stage panicked",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			c = nil
			err = eris.Errorf("internal error: %v", r)
		}
	}()

	var data []byte
	if err := stage(log, "fetch", func() error {
		var ferr error
		data, ferr = w.fetch(ctx, job.BlobPath)
		return ferr
	}); err != nil {
		return nil, err
	}

	var text string
	if err := stage(log, "text", func() error {
		var terr error
		text, terr = w.text.ExtractText(ctx, ocr.Document{
			Name:        job.Filename,
			ContentType: ocr.DetectType(job.Filename, job.ContentType, data),
			Data:        data,
		})
		if terr != nil {
			return eris.Wrap(terr, "text extraction failed")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var fields *model.ExtractedFields
	if err := stage(log, "extract", func() error {
		var eerr error
		fields, eerr = w.engine.Extract(ctx, text)
		return eerr
	}); err != nil {
		return nil, err
	}

	score := w.policy.Score(*fields)
	log.Debug("pipeline: stage complete", zap.String("stage", "score"), zap.Float64("score", score))

	return &model.Completion{
		RawText:  text,
		Fields:   *fields,
		Score:    score,
		Strategy: w.engine.Name(),
	}, nil
}

func (w *Worker) fetch(ctx context.Context, path string) ([]byte, error) {
	rc, err := w.blobs.Get(ctx, path)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, eris.Errorf("document not found in blob store: %s", path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "fetch document %s", path)
	}
	defer rc.Close() //nolint:errcheck

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(rc, w.opts.MaxDocumentBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "read document %s", path)
	}
	if n > w.opts.MaxDocumentBytes {
		return nil, eris.Errorf("document %s exceeds %d bytes", path, w.opts.MaxDocumentBytes)
	}
	return buf.Bytes(), nil
}

func stage(log *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	fields := []zap.Field{zap.String("stage", name), zap.Int64("duration_ms", time.Since(start).Milliseconds())}
	if err != nil {
		log.Debug("pipeline: stage failed", append(fields, zap.Error(err))...)
		return err
	}
	log.Debug("pipeline: stage complete", fields...)
	return nil
}
