package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/enrich"
	"github.com/JakeFAU/scrape-gateway/internal/failover"
	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// GatewayRouter is the routing surface the handlers drive.
type GatewayRouter interface {
	RouteRequest(ctx context.Context, req gateway.ProxyRequest) gateway.RouteResult
	ClusterStats() gateway.ClusterStats
	ResetNode(id string) error
	UpdateConfig(s gateway.Settings) error
	Settings() gateway.Settings
}

// FailoverStatus reads the failover snapshot written by the worker.
type FailoverStatus interface {
	LoadState(ctx context.Context) (failover.State, error)
}

// Enricher runs the enrichment pipeline.
type Enricher interface {
	Enrich(ctx context.Context, items []enrich.Item) []enrich.Result
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Options carries the auth and timeout settings of the server.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	MaxEnrichItems int
}

// Server wires HTTP handlers to the gateway router and its companions.
type Server struct {
	router   chi.Router
	gateway  GatewayRouter
	failover FailoverStatus
	enricher Enricher
	ready    []ReadinessCheck
	opts     Options
	logger   *zap.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithFailover exposes failover state under /api/failover.
func WithFailover(f FailoverStatus) Option {
	return func(s *Server) { s.failover = f }
}

// WithEnricher enables /api/enrich.
func WithEnricher(e Enricher) Option {
	return func(s *Server) { s.enricher = e }
}

// WithReadinessChecks adds checks run by /readyz.
func WithReadinessChecks(checks ...ReadinessCheck) Option {
	return func(s *Server) { s.ready = append(s.ready, checks...) }
}

// NewServer constructs a Server with middleware and routes. An empty APIKey
// leaves /api open.
func NewServer(gw GatewayRouter, opts Options, logger *zap.Logger, options ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if opts.MaxEnrichItems <= 0 {
		opts.MaxEnrichItems = 100
	}
	s := &Server{gateway: gw, opts: opts, logger: logger}
	for _, opt := range options {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/scraper/gateway", func(r chi.Router) {
			r.Post("/", s.routeRequest)
			r.Get("/", s.clusterStats)
			r.Post("/nodes/{node_id}/reset", s.resetNode)
			r.Put("/config", s.updateConfig)
		})
		r.Get("/failover", s.failoverState)
		r.Post("/enrich", s.enrich)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	for _, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"available": s.gateway.ClusterStats().Available,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
