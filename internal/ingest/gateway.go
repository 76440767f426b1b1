// Package ingest accepts uploaded documents: it stores the bytes, records a
// Pending job and hands the job id to the queue.
package ingest

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/blob"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/queue"
	"github.com/sells-group/contracts-cli/internal/store"
)

// BlobPrefix is the folder every upload is stored under.
const BlobPrefix = "contracts"

var (
	// ErrInvalidUpload is returned for an upload with no name or no content.
	ErrInvalidUpload = eris.New("ingest: invalid upload")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = eris.New("ingest: upload too large")
)

// Upload is one document as received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Gateway is the single entry point for new documents.
type Gateway struct {
	store    store.Store
	blobs    blob.Store
	queue    queue.Queue
	maxBytes int64

	now   func() time.Time
	newID func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxBytes caps the accepted upload size. Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(g *Gateway) { g.maxBytes = n }
}

// NewGateway creates a gateway.
func NewGateway(st store.Store, blobs blob.Store, q queue.Queue, opts ...Option) *Gateway {
	g := &Gateway{
		store: st,
		blobs: blobs,
		queue: q,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Submit stores the document, records a Pending job and enqueues it.
//
// A blob write failure leaves nothing behind. A metadata failure rolls the
// blob back; if that delete fails too the orphan is logged. An enqueue
// failure is returned but the Pending record stays for Requeue.
func (g *Gateway) Submit(ctx context.Context, up Upload) (string, error) {
	data, err := g.read(up)
	if err != nil {
		return "", err
	}

	id := g.newID()
	job := model.NewJob(id, up.Filename, BlobPath(id, up.Filename), up.ContentType, g.now())
	log := zap.L().With(zap.String("job_id", id), zap.String("blob_path", job.BlobPath))

	if err := g.blobs.Put(ctx, job.BlobPath, bytes.NewReader(data), up.ContentType); err != nil {
		return "", eris.Wrap(err, "ingest: store document")
	}

	if err := g.store.CreateJob(ctx, job); err != nil {
		g.rollback(ctx, log, job.BlobPath)
		return "", eris.Wrap(err, "ingest: create job")
	}

	if err := g.queue.Enqueue(ctx, id); err != nil {
		log.Error("ingest: enqueue failed, job left pending", zap.Error(err))
		return id, eris.Wrapf(err, "ingest: enqueue job %s", id)
	}

	log.Info("ingest: document accepted",
		zap.String("filename", up.Filename),
		zap.Int("bytes", len(data)),
	)
	return id, nil
}

func (g *Gateway) read(up Upload) ([]byte, error) {
	if strings.TrimSpace(up.Filename) == "" {
		return nil, eris.Wrap(ErrInvalidUpload, "filename is required")
	}
	if up.Body == nil {
		return nil, eris.Wrap(ErrInvalidUpload, "file content is required")
	}

	r := up.Body
	if g.maxBytes > 0 {
		r = io.LimitReader(r, g.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read upload")
	}
	if len(data) == 0 {
		return nil, eris.Wrap(ErrInvalidUpload, "file is empty")
	}
	if g.maxBytes > 0 && int64(len(data)) > g.maxBytes {
		return nil, eris.Wrapf(ErrTooLarge, "limit is %d bytes", g.maxBytes)
	}
	return data, nil
}

// rollback deletes a blob whose job record could not be written. It runs
// detached from ctx so a cancelled request still cleans up.
func (g *Gateway) rollback(ctx context.Context, log *zap.Logger, path string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := g.blobs.Delete(dctx, path); err != nil {
		log.Error("ingest: orphaned blob, rollback delete failed",
			zap.String("orphan_path", path),
			zap.Error(err),
		)
		return
	}
	log.Warn("ingest: rolled back document after metadata failure")
}

// Requeue re-enqueues jobs that have sat unfinished for longer than
// olderThan: Pending jobs whose enqueue was lost and Processing jobs whose
// worker died. Returns the number of jobs enqueued.
func (g *Gateway) Requeue(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := g.store.ListStale(ctx, g.now().Add(-olderThan))
	if err != nil {
		return 0, eris.Wrap(err, "ingest: list stale jobs")
	}

	var (
		n        int
		firstErr error
	)
	for _, j := range stale {
		if err := g.queue.Enqueue(ctx, j.ID); err != nil {
			zap.L().Warn("ingest: requeue failed", zap.String("job_id", j.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "ingest: requeue job %s", j.ID)
			}
			continue
		}
		n++
		zap.L().Info("ingest: requeued job",
			zap.String("job_id", j.ID),
			zap.String("status", string(j.Status)),
			zap.Time("updated_at", j.UpdatedAt),
		)
	}
	return n, firstErr
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces a client-supplied name to a safe path segment.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	base = strings.Trim(unsafeChars.ReplaceAllString(base, "_"), "._")
	if base == "" {
		return "document"
	}
	return base
}

// BlobPath returns the storage path for a job's document.
func BlobPath(id, filename string) string {
	return BlobPrefix + "/" + id + "-" + SanitizeFilename(filename)
}
