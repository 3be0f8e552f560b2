package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/enrich"
	"github.com/JakeFAU/scrape-gateway/internal/failover"
)

func (s *Server) failoverState(w http.ResponseWriter, r *http.Request) {
	if s.failover == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	state, err := s.failover.LoadState(r.Context())
	switch {
	case errors.Is(err, failover.ErrNoState):
		// The worker has not recorded anything yet.
		writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "state": nil})
	case err != nil:
		s.logger.Warn("load failover state failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failover state unavailable")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "state": state})
	}
}

type enrichRequest struct {
	Items []enrich.Item `json:"items"`
}

func (s *Server) enrich(w http.ResponseWriter, r *http.Request) {
	if s.enricher == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment disabled")
		return
	}
	var req enrichRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items required")
		return
	}
	if len(req.Items) > s.opts.MaxEnrichItems {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d items per request", s.opts.MaxEnrichItems))
		return
	}
	results := s.enricher.Enrich(r.Context(), req.Items)
	failed := 0
	for _, res := range results {
		if res.Signals == nil {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": results,
		"failed":  failed,
	})
}
