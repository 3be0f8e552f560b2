package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-gateway/internal/alerts"
)

// AlertStore reads alerts and writes matches.
type AlertStore struct {
	db DB
}

// NewAlertStore creates an AlertStore over the alerts and alert_matches tables.
func NewAlertStore(db DB) (*AlertStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &AlertStore{db: db}, nil
}

// ActiveAlerts returns every active alert, oldest first.
func (s *AlertStore) ActiveAlerts(ctx context.Context) ([]alerts.Alert, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, name, query, COALESCE(max_price, 0)
FROM alerts
WHERE active
ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select alerts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (alerts.Alert, error) {
		var a alerts.Alert
		err := row.Scan(&a.ID, &a.Name, &a.Query, &a.MaxPrice)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan alerts: %w", err)
	}
	return out, nil
}

// RecordMatches inserts matches, ignoring ones already recorded for the same
// alert and listing, and returns those that were new.
func (s *AlertStore) RecordMatches(ctx context.Context, matches []alerts.Match) ([]alerts.Match, error) {
	const query = `
INSERT INTO alert_matches (alert_id, listing_id, title, price, url, found_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (alert_id, listing_id) DO NOTHING`

	var fresh []alerts.Match
	for _, m := range matches {
		tag, err := s.db.Exec(ctx, query, m.AlertID, m.ListingID, m.Title, m.Price, m.URL, m.FoundAt)
		if err != nil {
			return fresh, fmt.Errorf("insert match %s/%s: %w", m.AlertID, m.ListingID, err)
		}
		if tag.RowsAffected() > 0 {
			fresh = append(fresh, m)
		}
	}
	return fresh, nil
}
