package enrich

import (
	"context"
	"errors"

	"github.com/maypok86/otter"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/concurrency"
)

// Item is one listing to enrich.
type Item struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Result is the slot for one item. Signals is nil when Error is set.
type Result struct {
	ID      string   `json:"id"`
	Signals *Signals `json:"signals"`
	Error   string   `json:"error,omitempty"`
	Cached  bool     `json:"cached,omitempty"`
}

// PageFetcher downloads a page body.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Enricher runs the fetch-and-parse pipeline over many items.
type Enricher struct {
	fetcher     PageFetcher
	concurrency int
	cache       otter.Cache[string, Signals]
	logger      *zap.Logger
}

// NewEnricher builds an Enricher caching up to cacheSize parsed pages.
func NewEnricher(fetcher PageFetcher, concurrencyLimit, cacheSize int, logger *zap.Logger) (*Enricher, error) {
	if fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := otter.MustBuilder[string, Signals](cacheSize).
		Cost(func(_ string, _ Signals) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, err
	}
	return &Enricher{fetcher: fetcher, concurrency: concurrencyLimit, cache: cache, logger: logger}, nil
}

// Enrich returns one Result per item, in input order. A failing item never
// affects the others.
func (e *Enricher) Enrich(ctx context.Context, items []Item) []Result {
	outcomes := concurrency.Map(ctx, items, e.concurrency, func(ctx context.Context, item Item, _ int) (Result, error) {
		return e.enrichOne(ctx, item)
	})

	results := make([]Result, len(items))
	failed := 0
	for i, o := range outcomes {
		if o.OK() {
			results[i] = o.Value
			continue
		}
		failed++
		results[i] = Result{ID: items[i].ID, Error: o.Err.Error()}
	}
	e.logger.Info("enrichment finished",
		zap.Int("items", len(items)),
		zap.Int("failed", failed),
	)
	return results
}

func (e *Enricher) enrichOne(ctx context.Context, item Item) (Result, error) {
	if item.URL == "" {
		return Result{}, errors.New("item has no url")
	}
	if s, ok := e.cache.Get(item.URL); ok {
		return Result{ID: item.ID, Signals: &s, Cached: true}, nil
	}
	body, err := e.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		e.logger.Warn("enrichment fetch failed", zap.String("item", item.ID), zap.Error(err))
		return Result{}, err
	}
	s, err := ParseSignals(body)
	if err != nil {
		return Result{}, err
	}
	e.cache.Set(item.URL, s)
	return Result{ID: item.ID, Signals: &s}, nil
}

// Close releases the cache.
func (e *Enricher) Close() {
	e.cache.Close()
}
