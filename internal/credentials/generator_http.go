package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTTPGeneratorConfig configures HTTPGenerator.
type HTTPGeneratorConfig struct {
	HomeURL   string
	UserAgent string
	Timeout   time.Duration
}

// HTTPGenerator obtains cookies by visiting the marketplace home page with a
// plain HTTP client and reading back the cookie jar.
type HTTPGenerator struct {
	cfg HTTPGeneratorConfig
}

// NewHTTPGenerator validates cfg and returns a generator.
func NewHTTPGenerator(cfg HTTPGeneratorConfig) (*HTTPGenerator, error) {
	if cfg.HomeURL == "" {
		return nil, errors.New("home url is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPGenerator{cfg: cfg}, nil
}

// Name identifies the generator.
func (*HTTPGenerator) Name() string { return "http" }

// Generate visits the home page with a fresh collector and returns its cookies.
func (g *HTTPGenerator) Generate(ctx context.Context) (string, error) {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.UserAgent = g.cfg.UserAgent
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(g.cfg.Timeout)

	var (
		status   int
		visitErr error
	)
	c.OnRequest(func(r *colly.Request) {
		for k, v := range browserHeaders {
			r.Headers.Set(k, v)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(g.cfg.HomeURL)
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("cookie visit canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = visitErr
		}
		if status == http.StatusForbidden {
			return "", fmt.Errorf("home page returned 403: %w", err)
		}
		if err != nil {
			return "", fmt.Errorf("cookie visit failed: %w", err)
		}
	}

	header := HeaderValue(c.Cookies(g.cfg.HomeURL))
	if header == "" {
		return "", ErrNoCookies
	}
	return header, nil
}
