package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

var (
	// ErrNoNodeAvailable is reported when every node is banned or unhealthy.
	ErrNoNodeAvailable = errors.New("no scraper node available")
	// ErrAttemptsExhausted is reported when every attempt failed.
	ErrAttemptsExhausted = errors.New("request failed")
	// ErrCallerGone is reported when the caller's context ended before a node answered.
	ErrCallerGone = errors.New("request abandoned by caller")
)

// RouteResult is the outcome of a routed request.
type RouteResult struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	NodeUsed string          `json:"nodeUsed,omitempty"`
	Attempts int             `json:"attempts"`
	// Err carries the classified failure for callers that need errors.Is.
	Err error `json:"-"`
}

// Router drives the select/forward loop across retry attempts.
type Router struct {
	registry  *Registry
	forwarder *Forwarder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRouter creates a Router over the registry and forwarder.
func NewRouter(registry *Registry, forwarder *Forwarder, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:  registry,
		forwarder: forwarder,
		logger:    logger,
		tracer:    otel.Tracer("github.com/JakeFAU/scrape-gateway/internal/gateway"),
	}
}

// RouteRequest tries up to RetryAttempts nodes in sequence and returns the
// first success. A failed attempt moves on to the next selection; a 403 has
// already banned its node by then, so the same call will not pick it again.
func (r *Router) RouteRequest(ctx context.Context, req ProxyRequest) RouteResult {
	ctx, span := r.tracer.Start(ctx, "gateway.RouteRequest",
		trace.WithAttributes(attribute.String("scrape.url", req.URL)))
	defer span.End()

	attempts := r.registry.Settings().RetryAttempts
	var lastErr string
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err := fmt.Errorf("%w: %w", ErrCallerGone, ctxErr)
			metrics.ObserveRoute("canceled")
			span.SetStatus(codes.Error, err.Error())
			return RouteResult{Error: err.Error(), Attempts: attempt - 1, Err: err}
		}
		node, ok := r.registry.SelectNode()
		if !ok {
			r.logger.Warn("no scraper node available", zap.Int("attempt", attempt))
			metrics.ObserveRoute("no_node")
			span.SetStatus(codes.Error, ErrNoNodeAvailable.Error())
			return RouteResult{Error: ErrNoNodeAvailable.Error(), Attempts: attempt - 1, Err: ErrNoNodeAvailable}
		}

		res := r.forwarder.Forward(ctx, node, req)
		if res.Success {
			span.SetAttributes(attribute.String("gateway.node", node.ID), attribute.Int("gateway.attempts", attempt))
			metrics.ObserveRoute("success")
			return RouteResult{Success: true, Data: res.Data, NodeUsed: node.ID, Attempts: attempt}
		}

		lastErr = res.Error
		r.logger.Info("gateway attempt failed",
			zap.String("node", node.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Error),
		)
	}

	err := fmt.Errorf("%w after %d tentatives: %s", ErrAttemptsExhausted, attempts, lastErr)
	metrics.ObserveRoute("exhausted")
	span.SetStatus(codes.Error, err.Error())
	return RouteResult{Error: err.Error(), Attempts: attempts, Err: err}
}

// ResetNode clears ban and circuit state on a node.
func (r *Router) ResetNode(id string) error {
	if err := r.registry.ResetNode(id); err != nil {
		return err
	}
	r.logger.Info("node reset", zap.String("node", id))
	return nil
}

// UpdateConfig replaces the gateway settings.
func (r *Router) UpdateConfig(s Settings) error {
	if err := r.registry.UpdateSettings(s); err != nil {
		return fmt.Errorf("update gateway config: %w", err)
	}
	r.logger.Info("gateway config updated",
		zap.String("strategy", string(s.Strategy)),
		zap.Duration("ban_duration", s.BanDuration),
		zap.Duration("timeout", s.Timeout),
		zap.Int("retry_attempts", s.RetryAttempts),
	)
	return nil
}

// Settings returns the current gateway settings.
func (r *Router) Settings() Settings {
	return r.registry.Settings()
}
