// Package api exposes the exploit detection service over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/patchplacebreak/ppb-server/internal/ratelimit"
	"github.com/patchplacebreak/ppb-server/internal/service"
	"github.com/patchplacebreak/ppb-server/internal/store"
)

// rateLimitIdle is how long a client's limiter is kept after its last request.
const rateLimitIdle = 10 * time.Minute

// Options tunes the HTTP adapter.
type Options struct {
	// RateLimit is the sustained requests per second allowed per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	tags    *service.ExploitService
	source  store.DataSource
	backend string
	limiter *ratelimit.KeyedRateLimiter
	router  *chi.Mux
	api     huma.API
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes configured.
// source reports backend connectivity on /health; backend names it.
func NewServer(tags *service.ExploitService, source store.DataSource, backend string, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		tags:    tags,
		source:  source,
		backend: backend,
		router:  chi.NewRouter(),
		logger:  logger,
	}
	if opts.RateLimit > 0 {
		s.limiter = ratelimit.New(opts.RateLimit, max(opts.RateBurst, 1), rateLimitIdle)
	}

	s.setupMiddleware()

	humaConfig := huma.DefaultConfig("Patch Place Break API", "1.0.0")
	s.api = humachi.New(s.router, humaConfig)
	RegisterErrorHandler()

	s.registerHealthRoutes()
	s.registerTagRoutes()

	return s
}

// Close releases the per-client limiters.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(s.operationID)
	s.router.Use(s.requestLogger)
	if s.limiter != nil {
		s.router.Use(s.rateLimit)
	}
	s.router.Use(middleware.Recoverer)
}
