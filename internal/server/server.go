// Package server provides the operator HTTP API: action ingestion plus the
// session, quarantine, and decision query surface.
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openclaw/sentinel/internal/defender"
	sentinelotel "github.com/openclaw/sentinel/internal/otel"
	"github.com/openclaw/sentinel/internal/pipeline"
	"github.com/openclaw/sentinel/internal/quarantine"
	"github.com/openclaw/sentinel/internal/scheduler"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router       *chi.Mux
	pipe         *pipeline.Pipeline
	sched        *scheduler.Scheduler
	ledger       *quarantine.Store
	policies     *defender.Store
	bundleLoader *defender.BundleLoader
	bundlePath   string
	limiter      *RateLimiter
	apiKey       string
	version      string
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLedger sets the quarantine ledger used by the query endpoints.
func WithLedger(store *quarantine.Store) Option {
	return func(s *Server) { s.ledger = store }
}

// WithBundleReload enables POST /v1/policy/reload from the given path.
func WithBundleReload(loader *defender.BundleLoader, path string) Option {
	return func(s *Server) {
		s.bundleLoader = loader
		s.bundlePath = path
	}
}

// WithRateLimiter sets the ingestion rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithAPIKey enables API-key auth on every route except health.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithVersion sets the version string reported by /v1/status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server with the required dependencies and options.
func NewServer(pipe *pipeline.Pipeline, sched *scheduler.Scheduler, policies *defender.Store, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		pipe:      pipe,
		sched:     sched,
		policies:  policies,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(sentinelotel.Middleware())

	// Unauthenticated
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.apiKey))

		// Ingestion waits for the decision; its deadline is the eval budget
		// plus queueing, so it gets the long timeout.
		r.Post("/v1/actions", s.handleActionSubmit)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Get("/v1/sessions", s.handleSessionsList)
			r.Post("/v1/sessions/reset", s.handleSessionReset)
			r.Get("/v1/decisions", s.handleDecisionsList)
			r.Get("/v1/quarantine", s.handleQuarantineList)
			r.Get("/v1/quarantine/{id}", s.handleQuarantineGet)
			r.Get("/v1/quarantine/{id}/verify", s.handleQuarantineVerify)
			r.Get("/v1/status", s.handleStatus)
			r.Post("/v1/policy/reload", s.handlePolicyReload)
		})
	})

	return r
}

// authMiddleware validates X-Sentinel-Key or Authorization: Bearer <key>.
// An empty configured key disables auth.
func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Sentinel-Key")
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
