package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// maxNodeResponseBytes caps how much of a node reply is buffered.
const maxNodeResponseBytes = 16 << 20

// ProxyRequest is the request a node is asked to perform on our behalf.
type ProxyRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ForwardResult is the outcome of one attempt against one node.
type ForwardResult struct {
	Success    bool
	Data       json.RawMessage
	StatusCode int
	Error      string
}

// nodeEnvelope is the reply shape scraper nodes use to report the result of
// the upstream call.
type nodeEnvelope struct {
	Success    *bool           `json:"success"`
	Data       json.RawMessage `json:"data"`
	StatusCode int             `json:"statusCode"`
	Error      string          `json:"error"`
}

// Forwarder sends a single proxied request to a node and records the outcome
// in the registry.
type Forwarder struct {
	registry *Registry
	client   *http.Client
	logger   *zap.Logger
}

// NewForwarder creates a Forwarder. A nil client uses a fresh http.Client;
// the per-request timeout comes from the registry settings.
func NewForwarder(registry *Registry, client *http.Client, logger *zap.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{registry: registry, client: client, logger: logger}
}

// Forward performs one call to node. It never returns an error value: every
// failure is described by the result and reflected in the node counters.
// Failures caused by the caller's context ending are not charged to the node.
func (f *Forwarder) Forward(parent context.Context, node Node, req ProxyRequest) ForwardResult {
	if err := parent.Err(); err != nil {
		return ForwardResult{Error: fmt.Sprintf("%s: %v", ErrCallerGone, err)}
	}
	f.registry.beginAttempt(node.ID)

	ctx, cancel := context.WithTimeout(parent, f.registry.Settings().Timeout)
	defer cancel()

	if req.Method == "" {
		req.Method = http.MethodGet
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return f.failTransport(node, fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return f.failTransport(node, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return f.abandoned(node, perr)
		}
		return f.failTransport(node, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close node response", zap.String("node", node.ID), zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxNodeResponseBytes))
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return f.abandoned(node, perr)
		}
		return f.failTransport(node, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return f.failStatus(node, resp.StatusCode, fmt.Sprintf("node returned HTTP %d: %s", resp.StatusCode, snippet(body)))
	}

	var env nodeEnvelope
	if json.Unmarshal(body, &env) == nil && env.Success != nil {
		if !*env.Success {
			status := env.StatusCode
			if status == 0 {
				status = http.StatusBadGateway
			}
			msg := env.Error
			if msg == "" {
				msg = fmt.Sprintf("upstream returned HTTP %d", status)
			}
			return f.failStatus(node, status, msg)
		}
		status := env.StatusCode
		if status == 0 {
			status = resp.StatusCode
		}
		data := env.Data
		if len(data) == 0 {
			data = body
		}
		return f.succeed(node, status, data)
	}
	return f.succeed(node, resp.StatusCode, asJSON(body))
}

func (f *Forwarder) succeed(node Node, status int, data json.RawMessage) ForwardResult {
	f.registry.recordSuccess(node.ID)
	metrics.ObserveAttempt(node.ID, "success")
	return ForwardResult{Success: true, Data: data, StatusCode: status}
}

func (f *Forwarder) failStatus(node Node, status int, msg string) ForwardResult {
	if status == http.StatusForbidden {
		until := f.registry.recordForbidden(node.ID, msg)
		metrics.ObserveAttempt(node.ID, "forbidden")
		metrics.ObserveBan(node.ID)
		f.logger.Warn("node banned after 403",
			zap.String("node", node.ID),
			zap.String("region", node.Region),
			zap.Time("banned_until", until),
		)
		return ForwardResult{StatusCode: status, Error: msg}
	}
	f.registry.recordFailure(node.ID, msg)
	metrics.ObserveAttempt(node.ID, "http_error")
	f.logger.Info("node returned error status", zap.String("node", node.ID), zap.Int("status", status))
	return ForwardResult{StatusCode: status, Error: msg}
}

func (f *Forwarder) failTransport(node Node, err error) ForwardResult {
	msg := err.Error()
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		msg = "timeout: " + msg
	}
	if f.registry.recordNetworkError(node.ID, msg) {
		metrics.ObserveCircuitOpen(node.ID)
		f.logger.Error("node marked unhealthy after repeated errors",
			zap.String("node", node.ID),
			zap.String("last_error", msg),
		)
	}
	metrics.ObserveAttempt(node.ID, "network_error")
	return ForwardResult{Error: msg}
}

func (f *Forwarder) abandoned(node Node, err error) ForwardResult {
	metrics.ObserveAttempt(node.ID, "canceled")
	f.logger.Debug("caller went away mid-attempt", zap.String("node", node.ID), zap.Error(err))
	return ForwardResult{Error: fmt.Sprintf("%s: %v", ErrCallerGone, err)}
}

// asJSON returns body unchanged when it is valid JSON and as a JSON string
// otherwise.
func asJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return body
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
