package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

const maxProxyBody = 1 << 20

type proxyResponse struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	NodeUsed string          `json:"nodeUsed,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) routeRequest(w http.ResponseWriter, r *http.Request) {
	var req gateway.ProxyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProxyBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateProxyRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.gateway.RouteRequest(r.Context(), req)
	if res.Success {
		writeJSON(w, http.StatusOK, proxyResponse{Success: true, Data: res.Data, NodeUsed: res.NodeUsed})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(res.Err, gateway.ErrNoNodeAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(res.Err, gateway.ErrCallerGone):
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn("gateway request failed",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("url", req.URL),
		zap.Int("attempts", res.Attempts),
		zap.String("error", res.Error),
	)
	writeJSON(w, status, proxyResponse{Error: res.Error})
}

func validateProxyRequest(req *gateway.ProxyRequest) error {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q", req.URL)
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return nil
}

func (s *Server) clusterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.ClusterStats())
}

func (s *Server) resetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "node_id")
	if err := s.gateway.ResetNode(id); err != nil {
		if errors.Is(err, gateway.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "nodeId": id})
}

// settingsPatch holds optional overrides. Durations accept Go duration
// strings or integer milliseconds.
type settingsPatch struct {
	Strategy      *string         `json:"rotationStrategy"`
	BanDuration   json.RawMessage `json:"banDuration"`
	Timeout       json.RawMessage `json:"timeout"`
	RetryAttempts *int            `json:"retryAttempts"`
}

func (p settingsPatch) apply(s gateway.Settings) (gateway.Settings, error) {
	if p.Strategy != nil {
		st, err := gateway.ParseStrategy(*p.Strategy)
		if err != nil {
			return s, err
		}
		s.Strategy = st
	}
	if p.RetryAttempts != nil {
		s.RetryAttempts = *p.RetryAttempts
	}
	var err error
	if s.BanDuration, err = patchDuration(p.BanDuration, s.BanDuration); err != nil {
		return s, fmt.Errorf("banDuration: %w", err)
	}
	if s.Timeout, err = patchDuration(p.Timeout, s.Timeout); err != nil {
		return s, fmt.Errorf("timeout: %w", err)
	}
	return s, nil
}

func patchDuration(raw json.RawMessage, current time.Duration) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return current, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		d, err := time.ParseDuration(text)
		if err != nil {
			return current, fmt.Errorf("parse duration: %w", err)
		}
		return d, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return current, errors.New("expected duration string or milliseconds")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	next, err := patch.apply(s.gateway.Settings())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gateway.UpdateConfig(next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": s.gateway.Settings()})
}
