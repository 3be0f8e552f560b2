// Package enrich fetches listing pages under a per-domain rate limit and
// extracts structured signals from them.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/credentials"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
	"github.com/JakeFAU/scrape-gateway/internal/policy/backoff"
	"github.com/JakeFAU/scrape-gateway/internal/policy/ratelimit"
)

// ErrRateLimited is returned once every attempt at a URL answered 429.
var ErrRateLimited = errors.New("rate limited")

const defaultMaxBody = 4 << 20

// StatusError reports a non-2xx, non-429 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Code)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// FetcherConfig tunes the page fetcher.
type FetcherConfig struct {
	UserAgent    string
	Cookies      string
	Timeout      time.Duration
	MaxBodyBytes int64
	Backoff      backoff.Policy
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithSleeper replaces the sleep used between 429 retries.
func WithSleeper(s Sleeper) FetcherOption {
	return func(f *Fetcher) { f.sleep = s }
}

// Fetcher downloads pages with browser-like headers.
type Fetcher struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	cfg     FetcherConfig
	sleep   Sleeper
	logger  *zap.Logger
}

// NewFetcher builds a Fetcher. A nil client gets one with cfg.Timeout.
func NewFetcher(client *http.Client, limiter *ratelimit.Limiter, cfg FetcherConfig, logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff = backoff.Default()
	}
	f := &Fetcher{client: client, limiter: limiter, cfg: cfg, sleep: system.New().Sleep, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body of url. A 429 is retried with jittered exponential
// backoff (or the server's Retry-After) until the attempt cap.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	site := metrics.SanitizeSite(url)
	schedule := f.cfg.Backoff.New()
	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return nil, err
		}
		body, status, retryAfter, err := f.do(ctx, url)
		if err != nil {
			metrics.ObserveFetch(site, 0)
			return nil, err
		}
		metrics.ObserveFetch(site, status)
		switch {
		case status >= 200 && status < 300:
			return body, nil
		case status != http.StatusTooManyRequests:
			return nil, &StatusError{URL: url, Code: status}
		}

		next := schedule.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("fetch %s: %w after %d attempts", url, ErrRateLimited, attempt)
		}
		delay := next
		if retryAfter > 0 {
			delay = retryAfter
		}
		metrics.ObserveRateLimitRetry(site)
		f.logger.Debug("rate limited, backing off",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}
}

func (f *Fetcher) do(ctx context.Context, url string) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("build request: %w", err)
	}
	credentials.ApplyBrowserHeaders(req.Header, f.cfg.UserAgent)
	if f.cfg.Cookies != "" {
		req.Header.Set("Cookie", f.cfg.Cookies)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, retryAfter(resp.Header.Get("Retry-After"), f.cfg.Backoff.Max), nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("read %s: %w", url, err)
	}
	return body, resp.StatusCode, 0, nil
}

// retryAfter understands the delta-seconds form only and never exceeds limit.
func retryAfter(v string, limit time.Duration) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

