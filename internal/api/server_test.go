package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/contracts-cli/internal/blob"
	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/ingest"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/query"
	"github.com/sells-group/contracts-cli/internal/queue"
	"github.com/sells-group/contracts-cli/internal/resilience"
	"github.com/sells-group/contracts-cli/internal/store"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.MemoryStore
	blobs *blob.MemoryStore
	queue *queue.MemoryQueue
}

func newTestEnv(t *testing.T, cfg config.ServerConfig, in Ingester) *testEnv {
	t.Helper()
	st := store.NewMemory()
	bs := blob.NewMemoryStore()
	q := queue.NewMemory(queue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	if in == nil {
		in = ingest.NewGateway(st, bs, q, ingest.WithMaxBytes(int64(max(cfg.MaxUploadMB, 1))<<20))
	}
	s := NewServer(in, query.New(st, bs, nil), st, cfg, config.MonitoringConfig{LookbackHours: 24})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, blobs: bs, queue: q}
}

func multipartBody(t *testing.T, field, filename, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, path, filename, content string) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, "file", filename, "text/plain", content)
	resp, err := http.Post(e.srv.URL+path, ct, body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestUpload_CreatesPendingJob(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)

	for _, path := range []string{"/contracts", "/contracts/upload"} {
		t.Run(path, func(t *testing.T) {
			resp := env.upload(t, path, "acme.txt", "between Acme Corp and Beta LLC,")
			require.Equal(t, http.StatusCreated, resp.StatusCode)

			out := decode[UploadResponse](t, resp)
			require.NotEmpty(t, out.ID)
			assert.Equal(t, out.ID, out.ContractID)
			assert.NotEmpty(t, out.Message)

			status := decode[query.StatusView](t, env.get(t, "/contracts/"+out.ID+"/status"))
			assert.Equal(t, model.JobStatusPending, status.Status)
		})
	}
	assert.Equal(t, 2, env.queue.Len())
}

func TestUpload_MissingFileField(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)

	body, ct := multipartBody(t, "document", "a.txt", "text/plain", "hello")
	resp, err := http.Post(env.srv.URL+"/contracts", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpload_EmptyFile(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)
	resp := env.upload(t, "/contracts", "a.txt", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpload_RateLimited(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{UploadRatePerSec: 0.001, UploadBurst: 1}, nil)

	assert.Equal(t, http.StatusCreated, env.upload(t, "/contracts", "a.txt", "one").StatusCode)
	resp := env.upload(t, "/contracts", "b.txt", "two")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

type stubIngester struct {
	id  string
	err error
}

func (s stubIngester) Submit(context.Context, ingest.Upload) (string, error) { return s.id, s.err }

func TestUpload_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		in   stubIngester
		want int
	}{
		{"transient storage", stubIngester{err: resilience.NewTransientError(errors.New("503 from storage"), 503)}, http.StatusServiceUnavailable},
		{"unexpected", stubIngester{err: errors.New("disk on fire")}, http.StatusInternalServerError},
		{"too large", stubIngester{err: ingest.ErrTooLarge}, http.StatusRequestEntityTooLarge},
		{"enqueue lost", stubIngester{id: "abc", err: errors.New("broker down")}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.ServerConfig{}, tt.in)
			resp := env.upload(t, "/contracts", "a.txt", "hello")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func seedCompleted(t *testing.T, env *testEnv, id, filename, content string) {
	t.Helper()
	ctx := context.Background()
	j := model.NewJob(id, filename, "contracts/"+id+"-"+filename, "text/plain", time.Now().UTC())
	require.NoError(t, env.blobs.Put(ctx, j.BlobPath, strings.NewReader(content), "text/plain"))
	require.NoError(t, env.store.CreateJob(ctx, j))
	_, err := env.store.BeginProcessing(ctx, id)
	require.NoError(t, err)
	require.NoError(t, env.store.CompleteJob(ctx, id, model.Completion{
		RawText: content, Fields: model.EmptyFields(), Score: 55, Strategy: "rules",
	}))
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)
	seedCompleted(t, env, "job-1", "acme.txt", "contract text")

	resp := env.get(t, "/contracts/job-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[map[string]any](t, resp)
	assert.Equal(t, "completed", got["status"])
	assert.InDelta(t, 55.0, got["overall_score"], 1e-9)
	assert.Contains(t, got, "extracted_fields")
	assert.Equal(t, "contract text", got["raw_text"])
}

func TestUnknownJob_404(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)

	for _, path := range []string{"/contracts/nope", "/contracts/nope/status", "/contracts/nope/download"} {
		resp := env.get(t, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "contract not found", decode[map[string]string](t, resp)["error"])
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)
	seedCompleted(t, env, "job-1", "a.txt", "x")
	require.Equal(t, http.StatusCreated, env.upload(t, "/contracts", "b.txt", "y").StatusCode)

	all := decode[[]model.JobSummary](t, env.get(t, "/contracts"))
	assert.Len(t, all, 2)

	done := decode[[]model.JobSummary](t, env.get(t, "/contracts?status=completed"))
	require.Len(t, done, 1)
	assert.Equal(t, "job-1", done[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.get(t, "/contracts?status=archived").StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.get(t, "/contracts?limit=-1").StatusCode)
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)
	seedCompleted(t, env, "job-1", "acme.txt", "contract text")

	resp := env.get(t, "/contracts/job-1/download")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=acme.txt", resp.Header.Get("Content-Disposition"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "contract text", string(data))
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)
	seedCompleted(t, env, "job-1", "acme.txt", "contract text")

	resp := env.get(t, "/contracts/export")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	f, err := xlsx.OpenBinary(data)
	require.NoError(t, err)
	assert.Len(t, f.Sheet["Jobs"].Rows, 2)
}

func TestExport_FailureIsNotPartialWorkbook(t *testing.T) {
	st := store.NewMemory()
	s := NewServer(nil, query.New(st, blob.NewMemoryStore(), nil), st, config.ServerConfig{}, config.MonitoringConfig{})
	s.report = func(w io.Writer, _ []model.Job) error {
		_, _ = io.WriteString(w, "PK partial")
		return errors.New("zip: write failed")
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/contracts/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "PK partial")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{}, nil)
	seedCompleted(t, env, "job-1", "acme.txt", "contract text")

	resp := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])

	resp = env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[map[string]any](t, resp)
	assert.InDelta(t, 1, snap["completed"], 1e-9)
	assert.InDelta(t, 55.0, snap["avg_score"], 1e-9)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth_Unavailable(t *testing.T) {
	st := store.NewMemory()
	s := NewServer(nil, query.New(st, blob.NewMemoryStore(), nil), downPinger{}, config.ServerConfig{}, config.MonitoringConfig{})

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_ReportsUpstreams(t *testing.T) {
	st := store.NewMemory()
	report := func() map[string]string { return map[string]string{"anthropic": "open", "blob": "closed"} }
	s := NewServer(nil, query.New(st, blob.NewMemoryStore(), nil), st, config.ServerConfig{}, config.MonitoringConfig{}, WithUpstreams(report))

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "open", body.Upstreams["anthropic"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{CORSOrigins: []string{"https://app.example.com"}}, nil)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/contracts", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
