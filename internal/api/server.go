// Package api exposes the HTTP interface of the terrain export service.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/config"
	"github.com/JakeFAU/terrain-export/internal/export"
	"github.com/JakeFAU/terrain-export/internal/policy"
	"github.com/JakeFAU/terrain-export/internal/policy/simple"
	"github.com/JakeFAU/terrain-export/internal/store"
	"github.com/JakeFAU/terrain-export/internal/telemetry"
)

//go:embed static
var staticFiles embed.FS

const (
	staticPrefix   = "/static"
	readyTimeout   = 2 * time.Second
	retryAfterSecs = 30
	maxFormBytes   = 1 << 20
)

// Exporter runs one export request, reporting on stream.
type Exporter interface {
	Run(ctx context.Context, form map[string]string, stream export.Stream) (export.Job, error)
}

// CheckFunc reports whether a dependency is ready.
type CheckFunc func(ctx context.Context) error

// Options wires a Server.
type Options struct {
	Exporter  Exporter
	Workspace *export.Workspace
	// Jobs and Runs back the /v1 lookup routes; either may be nil.
	Jobs   export.JobStore
	Runs   store.RunRepository
	Policy policy.Policy
	Checks map[string]CheckFunc

	Auth           config.AuthConfig
	DownloadPrefix string
	Retention      time.Duration
	// AllowedOrigins lists extra websocket origins; same-origin is always allowed.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the export pipeline and stores.
type Server struct {
	router   chi.Router
	opts     Options
	logger   *zap.Logger
	renderer *Renderer
	runs     *RunsHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Exporter == nil {
		return nil, errors.New("exporter is required")
	}
	if opts.Workspace == nil {
		return nil, errors.New("workspace is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy == nil {
		opts.Policy = simple.New()
	}
	if opts.DownloadPrefix == "" {
		opts.DownloadPrefix = "/download"
	}
	opts.DownloadPrefix = "/" + strings.Trim(opts.DownloadPrefix, "/")

	s := &Server{
		opts:     opts,
		logger:   opts.Logger.Named("api"),
		renderer: NewRenderer(staticPrefix, opts.Retention),
		runs:     NewRunsHandler(opts.Runs, opts.Logger),
	}
	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err //nolint:wrapcheck // embedded tree is fixed at build time
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Handle(staticPrefix+"/*", http.StripPrefix(staticPrefix, http.FileServer(http.FS(static))))

	r.Group(func(r chi.Router) {
		r.Use(policy.Middleware(opts.Policy, retryAfterSecs, s.logger))
		r.Post("/export", s.exportHTML)
		r.Get("/export/ws", s.exportWS)
	})
	r.Get(path.Join(opts.DownloadPrefix, "{file}"), s.download)

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		r.Get("/exports/{job_id}", s.getExport)
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{job_id}", s.runs.GetRun)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("checks", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	if s.opts.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job registry unavailable")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return
	}
	job, err := s.opts.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, export.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get export failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errchkjson // client may be gone
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
