package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/auth"
	"github.com/JakeFAU/citation-crawler/internal/catalog"
	"github.com/JakeFAU/citation-crawler/internal/crawler"
	"github.com/JakeFAU/citation-crawler/internal/metrics"
	"github.com/JakeFAU/citation-crawler/internal/worker"
)

// Runner runs one crawl cycle.
type Runner interface {
	RunCycle(ctx context.Context, budget int) (worker.Summary, error)
}

// CatalogSyncer refreshes the journal catalog.
type CatalogSyncer interface {
	Sync(ctx context.Context) (catalog.SyncResult, error)
}

// StateReader reports crawl progress counts.
type StateReader interface {
	State(ctx context.Context) (crawler.CatalogState, error)
}

// Pinger reports store readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the server's collaborators. A nil Verifier leaves the /v1 write
// routes open, which is only meant for local runs.
type Deps struct {
	Runner   Runner
	Catalog  CatalogSyncer
	State    StateReader
	Store    Pinger
	Verifier auth.TokenVerifier
}

// Config tunes request handling.
type Config struct {
	// DefaultBudget applies when a run request has no budget parameter.
	DefaultBudget int
	// RunTimeout bounds a crawl cycle started over HTTP. Zero means the
	// request context is the only bound.
	RunTimeout time.Duration
}

// Server wires HTTP handlers to the crawl pipeline.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/catalog/state", s.catalogState)
		r.Group(func(r chi.Router) {
			if deps.Verifier != nil {
				r.Use(auth.Require(deps.Verifier, logger))
			}
			r.Post("/scrape/run", s.runScrape)
			r.Post("/catalog/sync", s.syncCatalog)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Warn("store not ready", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runScrape(w http.ResponseWriter, r *http.Request) {
	budget := s.cfg.DefaultBudget
	if raw := r.URL.Query().Get("budget"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "budget must be an integer")
			return
		}
		budget = n
	}

	ctx := r.Context()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	sum, err := s.deps.Runner.RunCycle(ctx, budget)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, crawler.ErrRecoveryExhausted):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		s.logger.Error("scrape run failed", zap.String("run_id", sum.RunID), zap.Error(err))
		s.writeJSON(w, status, map[string]any{"error": err.Error(), "summary": sum})
		return
	}
	if sum.NoWork {
		s.writeJSON(w, http.StatusOK, map[string]any{"message": "no journal needs scraping", "summary": sum})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "scrape complete", "summary": sum})
}

func (s *Server) syncCatalog(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Catalog.Sync(r.Context())
	if err != nil {
		s.logger.Error("catalog sync failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) catalogState(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.State.State(r.Context())
	if err != nil {
		s.logger.Error("catalog state failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read catalog state")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
