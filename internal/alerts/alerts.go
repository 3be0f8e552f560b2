// Package alerts checks saved price alerts against the marketplace.
package alerts

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrForbidden means the marketplace refused the request with a 403.
	ErrForbidden = errors.New("marketplace returned 403")
	// ErrCredentialsInvalid means the marketplace rejected the session cookies.
	ErrCredentialsInvalid = errors.New("marketplace rejected credentials")
)

// IsSystemic reports whether err indicates a block or a dead session rather
// than a problem with one alert.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrCredentialsInvalid)
}

// Alert is a saved search with a price ceiling. A zero MaxPrice matches any
// price.
type Alert struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Query    string  `json:"query"`
	MaxPrice float64 `json:"maxPrice"`
}

// Listing is one marketplace search hit.
type Listing struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Price float64 `json:"price"`
	URL   string  `json:"url"`
}

// Match pairs an alert with a listing that satisfied it.
type Match struct {
	AlertID   string    `json:"alertId"`
	ListingID string    `json:"listingId"`
	Title     string    `json:"title"`
	Price     float64   `json:"price"`
	URL       string    `json:"url"`
	FoundAt   time.Time `json:"foundAt"`
}

// Report summarizes one CheckAlerts run.
type Report struct {
	Alerts     int `json:"alerts"`
	Failed     int `json:"failed"`
	Matches    int `json:"matches"`
	NewMatches int `json:"newMatches"`
}

// Store loads alerts and records matches.
type Store interface {
	ActiveAlerts(ctx context.Context) ([]Alert, error)
	// RecordMatches stores matches and returns the ones not seen before.
	RecordMatches(ctx context.Context, matches []Match) ([]Match, error)
}

// Searcher runs a marketplace search with the given session cookies.
type Searcher interface {
	Search(ctx context.Context, query string, cookies string) ([]Listing, error)
}

// Publisher emits match events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// MatchTopic is the topic new matches are published on.
const MatchTopic = "alert.match"
