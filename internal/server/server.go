// Package server exposes the question answering, retrieval inspection and
// evaluation operations over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/askben/askben/internal/answer"
	"github.com/askben/askben/internal/archive"
	"github.com/askben/askben/internal/evaluation"
	"github.com/askben/askben/internal/index"
	"github.com/askben/askben/internal/metrics"
	"github.com/askben/askben/internal/pkg/logger"
	"github.com/askben/askben/internal/pkg/middleware"
	"github.com/askben/askben/internal/router"
	"github.com/askben/askben/internal/store"
)

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout. Batch evaluations run inside
	// the request, so it must exceed the eval run timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration

	// DefaultLimit and DefaultThreshold apply when a request omits them.
	DefaultLimit     int
	DefaultThreshold float64

	// APIKey enables shared-key authentication when set.
	APIKey string

	// RateLimit is the per-client requests per second. Zero disables it.
	RateLimit int

	// CORSOrigins is a comma-separated origin allow list; "*" allows any.
	CORSOrigins string
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8080,
		Version:          "dev",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     15 * time.Minute,
		ShutdownTimeout:  30 * time.Second,
		DefaultLimit:     5,
		DefaultThreshold: 0.3,
		CORSOrigins:      "*",
	}
}

// Generator answers questions; *answer.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, req answer.Request) (*answer.Response, error)
}

// Router routes retrieval requests; *router.Router satisfies it.
type Router interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// Evaluator runs evaluations; *evaluation.Harness satisfies it.
type Evaluator interface {
	RunRAGEval(ctx context.Context, req evaluation.RAGEvalRequest) (*store.EvalRun, []store.EvalResult, error)
	RunCitationEval(ctx context.Context) (*store.CitationRun, []store.CitationResult, error)
	RunCitationEvalSingle(ctx context.Context, question string) (*store.CitationResult, error)
}

// IndexCounter reports stored vectors per tier; *index.Service satisfies it.
type IndexCounter interface {
	Counts(ctx context.Context) (map[index.Tier]int, error)
}

// Deps are the services behind the handlers. Verifier, Metrics and
// Collector are optional.
type Deps struct {
	Generator Generator
	Verifier  evaluation.Verifier
	Router    Router
	Searcher  index.Searcher
	Index     IndexCounter
	Archive   archive.Store
	Store     store.Store
	Evaluator Evaluator
	Metrics   *metrics.Metrics
	Collector *metrics.Collector
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	deps    Deps
	log     *logger.Logger
	health  *HealthHandler
	limiter *middleware.RateLimiter

	httpServer *http.Server

	mu      sync.Mutex
	started bool
}

// healthPaths bypass authentication and rate limiting.
var healthPaths = []string{"/healthz", "/readyz", "/version"}

// New creates a server. Zero config values fall back to DefaultConfig.
func New(cfg Config, deps Deps, log *logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log.WithComponent("server"),
		health: NewHealthHandler(NewHealthChecker(deps.Archive, deps.Index), cfg.Version),
	}
	if cfg.RateLimit > 0 {
		rl := middleware.DefaultRateLimiterConfig()
		rl.RequestsPerSecond = float64(cfg.RateLimit)
		rl.Burst = cfg.RateLimit * 2
		rl.ExemptPaths = healthPaths
		s.limiter = middleware.NewRateLimiter(rl)
	}
	return s
}

// Handler returns the routed API wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var h http.Handler = mux
	h = CORSMiddleware(s.cfg.CORSOrigins)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = middleware.APIKeyAuth(s.cfg.APIKey, healthPaths...)(h)
	if s.deps.Metrics != nil {
		h = metrics.HTTPMiddleware(s.deps.Metrics, h)
	}
	h = withLogging(h, s.log)
	h = withRecovery(h, s.log)
	return middleware.RequestID(h)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	s.health.RegisterRoutes(mux)

	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query/{$}", s.handleQuery)

	mux.HandleFunc("POST /retrieval/inspect", s.handleInspect)
	mux.HandleFunc("GET /retrieval/article/{article_id}/comparison", s.handleComparison)

	mux.HandleFunc("GET /eval/examples", s.handleListExamples)
	mux.HandleFunc("POST /eval/examples", s.handleAddExample)
	mux.HandleFunc("GET /eval/runs", s.handleListRuns)
	mux.HandleFunc("POST /eval/run", s.handleRunEval)
	mux.HandleFunc("GET /eval/runs/{run_id}", s.handleGetRun)

	mux.HandleFunc("POST /eval/citation-accuracy", s.handleCitationSingle)
	mux.HandleFunc("POST /eval/citation-accuracy/batch", s.handleCitationBatch)
	mux.HandleFunc("GET /eval/citation-accuracy/runs", s.handleListCitationRuns)
	mux.HandleFunc("GET /eval/citation-accuracy/runs/{run_id}", s.handleGetCitationRun)

	mux.HandleFunc("GET /embeddings/stats", s.handleStats)
	mux.HandleFunc("GET /embeddings/search/distillations", s.handleBrowseDistillations)

	if m := s.deps.Metrics; m != nil {
		mux.Handle("GET /metrics", m.Handler(s.deps.Collector))
		mux.Handle("GET /metrics/history", m.HistoryHandler())
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Starting HTTP server", "addr", srv.Addr, "version", s.cfg.Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		s.log.WithError(err).Error("HTTP shutdown error")
	}
	if s.limiter != nil {
		s.limiter.Close()
	}

	s.started = false
	s.log.Info("Server stopped")
	return err
}

// allowedOrigins parses a comma-separated allow list.
func allowedOrigins(list string) map[string]bool {
	out := make(map[string]bool)
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out[o] = true
		}
	}
	return out
}
