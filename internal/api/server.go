// Package api exposes contract upload and job queries over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/export"
	"github.com/sells-group/contracts-cli/internal/ingest"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/monitoring"
	"github.com/sells-group/contracts-cli/internal/query"
	"github.com/sells-group/contracts-cli/internal/resilience"
	"github.com/sells-group/contracts-cli/internal/store"
)

// Ingester accepts new documents.
type Ingester interface {
	Submit(ctx context.Context, up ingest.Upload) (string, error)
}

// Querier answers read-only job queries.
type Querier interface {
	ListAll(ctx context.Context, filter store.JobFilter) ([]model.JobSummary, error)
	Jobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
	Status(ctx context.Context, id string) (*query.StatusView, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *model.Job, error)
	Stats(ctx context.Context, lookbackHours int, stuckAfter time.Duration) (*monitoring.Snapshot, error)
}

// Pinger reports backend reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UploadResponse is returned for an accepted upload.
type UploadResponse struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	Message    string `json:"message"`
}

// Server holds the HTTP handlers.
type Server struct {
	ingest    Ingester
	query     Querier
	health    Pinger
	upstreams func() map[string]string
	report    func(io.Writer, []model.Job) error
	cfg       config.ServerConfig
	monitor   config.MonitoringConfig
	limiter   *rate.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithUpstreams adds per-upstream circuit states to the /health body.
func WithUpstreams(report func() map[string]string) Option {
	return func(s *Server) { s.upstreams = report }
}

// NewServer creates a server. health may be nil.
func NewServer(in Ingester, q Querier, health Pinger, cfg config.ServerConfig, monitor config.MonitoringConfig, opts ...Option) *Server {
	s := &Server{
		ingest:  in,
		query:   q,
		health:  health,
		report:  export.WriteJobs,
		cfg:     cfg,
		monitor: monitor,
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.UploadRatePerSec > 0 {
		burst := max(cfg.UploadBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.UploadRatePerSec), burst)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/contracts", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleUpload)
		r.With(s.rateLimit).Post("/upload", s.handleUpload)
		r.Get("/", s.handleList)
		r.Get("/export", s.handleExport)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/status", s.handleStatus)
		r.Get("/{id}/download", s.handleDownload)
	})

	return r
}

func (s *Server) maxUploadBytes() int64 {
	mb := s.cfg.MaxUploadMB
	if mb <= 0 {
		mb = 25
	}
	return int64(mb) << 20
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Multipart framing adds a little on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes()+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close() //nolint:errcheck

	id, err := s.ingest.Submit(r.Context(), ingest.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil && id != "" {
		// Stored and recorded but not queued; a requeue sweep picks it up.
		writeJSON(w, http.StatusAccepted, UploadResponse{
			ID:         id,
			ContractID: id,
			Message:    "Contract stored; processing is delayed",
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		ID:         id,
		ContractID: id,
		Message:    "Contract uploaded successfully",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	jobs, err := s.query.ListAll(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.query.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rc, j, err := s.query.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close() //nolint:errcheck

	ct := j.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": j.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		zap.L().Warn("api: download interrupted", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	jobs, err := s.query.Jobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := s.report(&buf, jobs); err != nil {
		zap.L().Error("api: export failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "contracts-" + time.Now().UTC().Format("20060102") + ".xlsx",
	}))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

type healthResponse struct {
	Status    string            `json:"status"`
	Upstreams map[string]string `json:"upstreams,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.upstreams != nil {
		resp.Upstreams = s.upstreams()
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := s.monitor.LookbackHours
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := s.query.Stats(r.Context(), lookback, monitoring.StuckAfter(s.monitor))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "upload rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseFilter(w http.ResponseWriter, r *http.Request) (store.JobFilter, bool) {
	var f store.JobFilter
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		st := model.JobStatus(v)
		if !st.Valid() {
			writeJSONError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return f, false
		}
		f.Status = st
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, name+" must be a non-negative integer")
			return f, false
		}
		*dst = n
	}
	return f, true
}

// writeError maps domain errors onto status codes. Unexpected errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "contract not found")
	case errors.Is(err, ingest.ErrTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
	case errors.Is(err, ingest.ErrInvalidUpload):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case resilience.IsTransient(err):
		zap.L().Warn("api: upstream unavailable",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSONError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
