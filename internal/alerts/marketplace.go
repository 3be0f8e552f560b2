package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MarketplaceConfig configures the marketplace search client.
type MarketplaceConfig struct {
	BaseURL    string
	SearchPath string
	UserAgent  string
	Timeout    time.Duration
}

// Marketplace searches listings over the marketplace's JSON search endpoint.
type Marketplace struct {
	cfg    MarketplaceConfig
	client *http.Client
	logger *zap.Logger
}

type searchResponse struct {
	Items []Listing `json:"items"`
}

// NewMarketplace creates a Marketplace client.
func NewMarketplace(cfg MarketplaceConfig, logger *zap.Logger) (*Marketplace, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("marketplace base url is required")
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = "/api/v1/search"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Marketplace{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}, nil
}

// Search returns the listings for query. A 403 maps to ErrForbidden and a 401
// to ErrCredentialsInvalid.
func (m *Marketplace) Search(ctx context.Context, query, cookies string) ([]Listing, error) {
	u := m.cfg.BaseURL + m.cfg.SearchPath + "?" + url.Values{"q": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.Debug("close search response", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("search %q: %w", query, ErrForbidden)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("search %q: %w", query, ErrCredentialsInvalid)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("search %q: unexpected status %d", query, resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Items, nil
}
