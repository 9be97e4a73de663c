// Package api serves the HTTP surface: the search lifecycle, run
// inspection, paper lookup, the worker drain hook, and operational
// probes.
//
// Handlers stay thin. Validation lives in the pipeline package so the
// API edge and the ingest stage agree on what a well-formed request is,
// and all state changes go through the same storage and queue calls the
// workers use.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/pipeline"
	"github.com/magpielab/magpie/internal/queue"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/worker"
)

// Request bounds.
const (
	maxBodyBytes   = 1 << 20 // 1 MiB request body cap
	defaultRPS     = 50
	defaultBurst   = 100
	defaultListLim = 50
	maxListLim     = 200
)

// Drainer is the one worker capability the API needs. POST /jobs/drain
// runs a synchronous drain pass with it.
type Drainer interface {
	DrainOnce(ctx context.Context, batch int) (*worker.DrainResult, error)
}

// Deps wires a Server. Store, Queue, and Pipeline are required. Cache is
// optional (the replay probe and paper lookup degrade without it), as is
// Drainer (POST /jobs/drain reports unavailable without one).
type Deps struct {
	Store       storage.Storage
	Queue       *queue.Queue
	Cache       *cache.Client
	Pipeline    *pipeline.Pipeline
	Drainer     Drainer
	WorkerToken string
	Log         *zap.Logger

	// RPS caps request throughput across the API (probes and metrics
	// exempt). Zero means the default.
	RPS   float64
	Burst int
}

// Server is the HTTP API over one magpie deployment.
type Server struct {
	store   storage.Storage
	queue   *queue.Queue
	cache   *cache.Client
	pipe    *pipeline.Pipeline
	drainer Drainer
	token   string
	log     *zap.Logger
	limiter *rate.Limiter
	started time.Time
}

// New builds a Server. It does not start listening; mount Router on an
// http.Server.
func New(d Deps) (*Server, error) {
	if d.Store == nil || d.Queue == nil || d.Pipeline == nil {
		return nil, errors.New("api: store, queue, and pipeline are required")
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.RPS <= 0 {
		d.RPS = defaultRPS
	}
	if d.Burst <= 0 {
		d.Burst = defaultBurst
	}
	return &Server{
		store:   d.Store,
		queue:   d.Queue,
		cache:   d.Cache,
		pipe:    d.Pipeline,
		drainer: d.Drainer,
		token:   d.WorkerToken,
		log:     d.Log.Named("api"),
		limiter: rate.NewLimiter(rate.Limit(d.RPS), d.Burst),
		started: time.Now(),
	}, nil
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Owner", "X-Worker-Token"},
		MaxAge:         300,
	}))

	// Probes and metrics bypass the rate limiter: starving a scraper or
	// a load balancer during a traffic spike helps nobody.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.throttle)

		r.Route("/search", func(r chi.Router) {
			r.Post("/", s.handleCreateSearch)
			r.Get("/", s.handleListSearches)
			r.Route("/{searchID}", func(r chi.Router) {
				r.Get("/", s.handleGetSearch)
				r.Get("/runs", s.handleListRuns)
				r.Get("/runs/{runID}", s.handleGetRun)
			})
		})
		r.Get("/paper/{paperID}", s.handleGetPaper)
		r.Post("/jobs/drain", s.handleDrain)
	})

	return r
}

// throttle applies the server-wide rate limit.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeRateLimited(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests writes one line per request. Probe and scrape chatter is
// skipped entirely.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Info("http request", fields...)
	})
}
