package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/concurrency"
)

// Checker runs every active alert against the marketplace.
type Checker struct {
	store       Store
	searcher    Searcher
	publisher   Publisher
	logger      *zap.Logger
	concurrency int
	now         func() time.Time
}

// NewChecker creates a Checker. publisher may be nil.
func NewChecker(store Store, searcher Searcher, publisher Publisher, concurrency int, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Checker{
		store:       store,
		searcher:    searcher,
		publisher:   publisher,
		logger:      logger,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CheckAlerts searches for every active alert and records the listings under
// each alert's price ceiling. A 403 or 401 on any search aborts the run with
// the corresponding sentinel; other search failures only affect their alert.
func (c *Checker) CheckAlerts(ctx context.Context, cookies string) (Report, error) {
	active, err := c.store.ActiveAlerts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load alerts: %w", err)
	}
	report := Report{Alerts: len(active)}
	if len(active) == 0 {
		return report, nil
	}

	found := c.now()
	outcomes := concurrency.Map(ctx, active, c.concurrency, func(ctx context.Context, a Alert, _ int) ([]Match, error) {
		listings, err := c.searcher.Search(ctx, a.Query, cookies)
		if err != nil {
			return nil, err
		}
		return matchesFor(a, listings, found), nil
	})

	var (
		matches  []Match
		systemic error
	)
	for i, o := range outcomes {
		if o.OK() {
			matches = append(matches, o.Value...)
			continue
		}
		report.Failed++
		if IsSystemic(o.Err) {
			if systemic == nil || errors.Is(o.Err, ErrForbidden) {
				systemic = o.Err
			}
			continue
		}
		c.logger.Warn("alert search failed", zap.String("alert", active[i].ID), zap.Error(o.Err))
	}
	if systemic != nil {
		return report, systemic
	}

	report.Matches = len(matches)
	if len(matches) == 0 {
		return report, nil
	}
	fresh, err := c.store.RecordMatches(ctx, matches)
	if err != nil {
		return report, fmt.Errorf("record matches: %w", err)
	}
	report.NewMatches = len(fresh)
	c.publish(ctx, fresh)
	return report, nil
}

func (c *Checker) publish(ctx context.Context, fresh []Match) {
	if c.publisher == nil {
		return
	}
	for _, m := range fresh {
		if _, err := c.publisher.Publish(ctx, MatchTopic, m); err != nil {
			c.logger.Warn("publish alert match failed", zap.String("alert", m.AlertID), zap.Error(err))
		}
	}
}

func matchesFor(a Alert, listings []Listing, at time.Time) []Match {
	var out []Match
	for _, l := range listings {
		if a.MaxPrice > 0 && l.Price > a.MaxPrice {
			continue
		}
		out = append(out, Match{
			AlertID:   a.ID,
			ListingID: l.ID,
			Title:     l.Title,
			Price:     l.Price,
			URL:       l.URL,
			FoundAt:   at,
		})
	}
	return out
}
