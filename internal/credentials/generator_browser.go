package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BrowserGeneratorConfig configures BrowserGenerator.
type BrowserGeneratorConfig struct {
	HomeURL           string
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready so that scripts can
	// set their cookies.
	Settle time.Duration
}

// BrowserGenerator obtains cookies by loading the home page in headless
// Chrome, which also collects cookies set from JavaScript.
type BrowserGenerator struct {
	cfg         BrowserGeneratorConfig
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewBrowserGenerator starts a Chrome allocator. Close releases it.
func NewBrowserGenerator(cfg BrowserGeneratorConfig) (*BrowserGenerator, error) {
	if cfg.HomeURL == "" {
		return nil, errors.New("home url is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &BrowserGenerator{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}, nil
}

// Name identifies the generator.
func (*BrowserGenerator) Name() string { return "browser" }

// Close shuts the browser down.
func (g *BrowserGenerator) Close() {
	g.allocCancel()
}

// Generate navigates to the home page and returns the cookies Chrome holds for it.
func (g *BrowserGenerator) Generate(ctx context.Context) (string, error) {
	taskCtx, taskCancel := chromedp.NewContext(g.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, g.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var cookies []*network.Cookie
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if err := emulation.SetUserAgentOverride(g.cfg.UserAgent).
				WithAcceptLanguage(browserHeaders["Accept-Language"]).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			return nil
		}),
		chromedp.Navigate(g.cfg.HomeURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(g.cfg.Settle),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithURLs([]string{g.cfg.HomeURL}).Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}

	header := HeaderValue(toHTTPCookies(cookies))
	if header == "" {
		return "", ErrNoCookies
	}
	return header, nil
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}
