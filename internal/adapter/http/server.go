package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cwygoda/optimizer/internal/domain"
	applog "github.com/cwygoda/optimizer/internal/log"
)

func init() {
	// Stdlib's builtin table has no media containers.
	for ext, typ := range map[string]string{
		".mkv":  "video/x-matroska",
		".mka":  "audio/x-matroska",
		".mp4":  "video/mp4",
		".m4v":  "video/x-m4v",
		".m4a":  "audio/mp4",
		".webm": "video/webm",
		".mov":  "video/quicktime",
		".ts":   "video/mp2t",
		".avi":  "video/x-msvideo",
		".mp3":  "audio/mpeg",
		".ogg":  "audio/ogg",
		".flac": "audio/flac",
	} {
		_ = mime.AddExtensionType(ext, typ)
	}
}

// Options configures the HTTP adapter.
type Options struct {
	// UpstreamURL re-roots submitted URLs onto this host when set.
	UpstreamURL string
	CORSOrigins []string
	// SubmitRateLimit caps submissions per client IP and minute. Zero disables it.
	SubmitRateLimit int
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Events serves /ws when set.
	Events http.Handler
	Logger zerolog.Logger
}

// Server is the HTTP adapter for the job service.
type Server struct {
	svc      *domain.JobService
	upstream *url.URL
	opts     Options
	log      zerolog.Logger
	router   chi.Router
	handler  http.Handler
	server   *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, addr string, opts Options) (*Server, error) {
	s := &Server{
		svc:  svc,
		opts: opts,
		log:  opts.Logger,
	}
	if opts.UpstreamURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.UpstreamURL, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid upstream url %q", opts.UpstreamURL)
		}
		s.upstream = u
	}

	s.routes()
	s.handler = otelhttp.NewHandler(s.router, "optimizer")
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(applog.Middleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler)

	submit := r.With()
	if s.opts.SubmitRateLimit > 0 {
		submit = r.With(submitLimit(s.opts.SubmitRateLimit))
	}
	submit.Post("/optimize-version", s.handleSubmit)

	r.Get("/job-status/{id}", s.handleGetJob)
	r.Delete("/cancel-job/{id}", s.handleCancel)
	r.Get("/all-jobs", s.handleListJobs)
	r.Get("/download/{id}", s.handleDownload)
	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	if s.opts.Events != nil {
		r.Method(http.MethodGet, "/ws", s.opts.Events)
	}
	s.router = r
}

func submitLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "too many requests")
		}),
	)
}

// submitRequest is the request body for POST /optimize-version.
type submitRequest struct {
	URL           string `json:"url"`
	FileExtension string `json:"fileExtension"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type progressResponse struct {
	Percent    float64 `json:"percent"`
	BytesDone  int64   `json:"bytesDone"`
	BytesTotal int64   `json:"bytesTotal"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID            string           `json:"id"`
	URL           string           `json:"url"`
	FileExtension string           `json:"fileExtension"`
	Status        string           `json:"status"`
	Progress      progressResponse `json:"progress"`
	OutputPath    string           `json:"outputPath,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     string           `json:"createdAt"`
	UpdatedAt     string           `json:"updatedAt"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	source, err := s.rewrite(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.svc.Submit(r.Context(), source, req.FileExtension)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		applog.FromRequest(r).Error().Err(err).Msg("submit failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	applog.FromRequest(r).Info().Str("job", job.ID).Str("url", truncate(source, 50)).Msg("optimize request accepted")
	writeJSON(w, http.StatusCreated, submitResponse{ID: job.ID})
}

// rewrite re-roots raw onto the upstream host, keeping path and query.
func (s *Server) rewrite(raw string) (string, error) {
	if s.upstream == nil {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("%w: url %q cannot be rewritten", domain.ErrInvalidInput, raw)
	}
	ref := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	return s.upstream.ResolveReference(ref).String(), nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	applog.FromRequest(r).Info().Str("job", id).Msg("cancellation request")

	if s.svc.Cancel(id) {
		writeJSON(w, http.StatusOK, messageResponse{Message: "Job cancelled successfully"})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Job not found or already completed"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.svc.List()
	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobToResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.ResolveOutput(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found or job not completed")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found or job not completed")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	name := filepath.Base(path)
	applog.FromRequest(r).Info().Str("file", name).Msg("download request")

	typ := mime.TypeByExtension(filepath.Ext(name))
	if typ == "" {
		typ = "application/octet-stream"
	}
	w.Header().Set("Content-Type", typ)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job domain.Job) jobResponse {
	return jobResponse{
		ID:            job.ID,
		URL:           job.SourceURL,
		FileExtension: job.TargetExtension,
		Status:        string(job.Status),
		Progress: progressResponse{
			Percent:    job.Progress.Percent,
			BytesDone:  job.Progress.BytesDone,
			BytesTotal: job.Progress.BytesTotal,
		},
		OutputPath: job.OutputPath,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// EncodeJob renders a job the way the job endpoints do. It is used as the
// websocket event encoder.
func EncodeJob(job domain.Job) any {
	return jobToResponse(job)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
