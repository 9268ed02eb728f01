// Package server provides the harvester status HTTP server.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snublejuice/vinskraper/internal/metrics"
	"github.com/snublejuice/vinskraper/internal/pipeline"
	"github.com/snublejuice/vinskraper/pkg/types"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobSet is the scheduled job registry exposed over HTTP.
type JobSet interface {
	Statuses() []pipeline.JobStatus
	Request(name string) (pipeline.JobStatus, bool, error)
}

// BuildInfo identifies the running binary.
type BuildInfo = types.BuildInfo

// Server wraps HTTP routes and dependencies.
type Server struct {
	store    Pinger
	jobs     JobSet
	build    BuildInfo
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	router   chi.Router
}

// Option configures server construction.
type Option func(*Server)

// WithGatherer enables /metrics over g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// New constructs a status server.
func New(st Pinger, jobs JobSet, build BuildInfo, opts ...Option) *Server {
	s := &Server{
		store: st,
		jobs:  jobs,
		build: build,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the configured router.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(s.log.With().Str("component", "http").Logger()))
	r.Use(requestIDField)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(apiVersionHeader)

	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)
		r.Get("/version", s.handleVersion)
		if s.gatherer != nil {
			r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
		}
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/{name}/trigger", s.handleTriggerJob)
	})

	return r
}

func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			logger := zerolog.Ctx(r.Context())
			logger.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func apiVersionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Version", types.APIVersion)
		next.ServeHTTP(w, r)
	})
}
