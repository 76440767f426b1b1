package query

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contracts-cli/internal/blob"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/store"
)

func newFacade(t *testing.T) (*Facade, *store.MemoryStore, *blob.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	bs := blob.NewMemoryStore()
	return New(st, bs, nil), st, bs
}

func TestListAll_NewestFirst(t *testing.T) {
	f, st, _ := newFacade(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateJob(ctx, model.NewJob("a", "a.pdf", "contracts/a-a.pdf", "", base)))
	require.NoError(t, st.CreateJob(ctx, model.NewJob("b", "b.pdf", "contracts/b-b.pdf", "", base.Add(time.Hour))))

	got, err := f.ListAll(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, model.JobSummary{ID: "a", Filename: "a.pdf", Status: model.JobStatusPending, UploadedAt: base}, got[1])
}

func TestListAll_EmptyIsNotNil(t *testing.T) {
	f, _, _ := newFacade(t)
	got, err := f.ListAll(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestStatus_FailedCarriesMessage(t *testing.T) {
	f, st, _ := newFacade(t)
	ctx := context.Background()
	require.NoError(t, st.CreateJob(ctx, model.NewJob("a", "a.pdf", "contracts/a-a.pdf", "", time.Now())))
	_, err := st.BeginProcessing(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, st.FailJob(ctx, "a", "document not found in blob store: contracts/a-a.pdf"))

	v, err := f.Status(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, v.Status)
	require.NotNil(t, v.ErrorMessage)
	assert.Contains(t, *v.ErrorMessage, "contracts/a-a.pdf")
	assert.Equal(t, 1, v.Attempts)
}

func TestUnknownID_NotFound(t *testing.T) {
	f, _, _ := newFacade(t)
	ctx := context.Background()

	_, err := f.Get(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = f.Status(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, _, err = f.Download(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestDownload_StreamsDocument(t *testing.T) {
	f, st, bs := newFacade(t)
	ctx := context.Background()
	j := model.NewJob("a", "deal.pdf", "contracts/a-deal.pdf", "application/pdf", time.Now())
	require.NoError(t, st.CreateJob(ctx, j))
	require.NoError(t, bs.Put(ctx, j.BlobPath, strings.NewReader("%PDF-1.7"), "application/pdf"))

	rc, got, err := f.Download(ctx, "a")
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	assert.Equal(t, "deal.pdf", got.Filename)
	assert.Equal(t, "application/pdf", got.ContentType)
}

func TestDownload_MissingBlobIsNotFound(t *testing.T) {
	f, st, _ := newFacade(t)
	ctx := context.Background()
	require.NoError(t, st.CreateJob(ctx, model.NewJob("a", "a.pdf", "contracts/a-a.pdf", "", time.Now())))

	_, _, err := f.Download(ctx, "a")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStats(t *testing.T) {
	f, st, _ := newFacade(t)
	ctx := context.Background()
	require.NoError(t, st.CreateJob(ctx, model.NewJob("a", "a.pdf", "p", "", time.Now().UTC())))

	snap, err := f.Stats(ctx, 24, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, 1, snap.Pending)
}
