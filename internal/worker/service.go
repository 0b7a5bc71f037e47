// Package worker exposes the clustering and consolidation runners over a
// small HTTP control API.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/storygroup/internal/config"
	"github.com/thebtf/storygroup/internal/consolidation"
	"github.com/thebtf/storygroup/internal/grouping"
	"github.com/thebtf/storygroup/pkg/models"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests. Runs can
	// take a while on a cold backlog.
	DefaultHTTPTimeout = 10 * time.Minute

	// TriggerRate allows one run trigger per second with a small burst.
	TriggerRate  = 1.0
	TriggerBurst = 5
)

// StatsProvider serves the read-only stats endpoint.
type StatsProvider interface {
	GetGroupStats(ctx context.Context) (*models.GroupStats, error)
}

// Runners bundles a clustering pipeline with its consolidation merger.
// The service carries two sets: one writing to the store and one built on
// a dry-run store for ?dry_run=true requests. Both share the same gate.
type Runners struct {
	Pipeline *grouping.Pipeline
	Merger   *consolidation.Merger
}

// Service wires the run pipeline, merger, and scheduler behind HTTP.
type Service struct {
	version   string
	config    *config.Config
	live      Runners
	dry       *Runners
	scheduler *consolidation.Scheduler
	stats     StatsProvider

	router    *chi.Mux
	server    *http.Server
	limiter   *RateLimiter
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the worker service. The scheduler and dry runners are
// optional; when the scheduler is nil only on-demand runs are served, and
// when dry is nil ?dry_run=true requests are rejected.
func NewService(version string, cfg *config.Config, live Runners, dry *Runners, scheduler *consolidation.Scheduler, stats StatsProvider) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		version:   version,
		config:    cfg,
		live:      live,
		dry:       dry,
		scheduler: scheduler,
		stats:     stats,
		router:    chi.NewRouter(),
		limiter:   NewRateLimiter(TriggerRate, TriggerBurst),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	svc.setupMiddleware()
	svc.setupRoutes()
	return svc
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(middleware.RealIP)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/stats", s.handleStats)

	// Run triggers are rate limited so a misbehaving caller cannot spin
	// the pipeline.
	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/api/group", s.handleGroup)
		r.Post("/api/merge", s.handleMerge)
	})
}

// Start starts the HTTP server and the background scheduler.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.WorkerPort),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.scheduler != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.scheduler.Start(s.ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().Int("port", s.config.WorkerPort).Str("version", s.version).
		Bool("scheduler", s.scheduler != nil).Msg("Worker HTTP server started")
	return nil
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}
	s.wg.Wait()
	log.Info().Msg("Worker service shutdown complete")
	return nil
}

// rateLimit rejects run triggers once the token bucket is drained.
func (s *Service) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many run requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
