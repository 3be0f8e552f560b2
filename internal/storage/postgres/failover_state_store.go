package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-gateway/internal/failover"
)

// DefaultFailoverStateKey is the app_settings key holding the failover snapshot.
const DefaultFailoverStateKey = "failover_state"

// FailoverStateStore keeps the failover manager snapshot in the key/value
// settings table. The worker writes it and the gateway API reads it.
type FailoverStateStore struct {
	db    DB
	table string
	key   string
	now   func() time.Time
}

// NewFailoverStateStore creates a FailoverStateStore over table (default app_settings).
func NewFailoverStateStore(db DB, table, key string) (*FailoverStateStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	table, err := checkTable(table, "app_settings")
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultFailoverStateKey
	}
	return &FailoverStateStore{db: db, table: table, key: key, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SaveState upserts the snapshot.
func (s *FailoverStateStore) SaveState(ctx context.Context, st failover.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode failover state: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.Exec(ctx, query, s.key, raw, s.now()); err != nil {
		return fmt.Errorf("upsert setting %s: %w", s.key, err)
	}
	return nil
}

// LoadState reads the snapshot. It returns failover.ErrNoState before the
// first save.
func (s *FailoverStateStore) LoadState(ctx context.Context) (failover.State, error) {
	var raw []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
	if err := s.db.QueryRow(ctx, query, s.key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return failover.State{}, failover.ErrNoState
		}
		return failover.State{}, fmt.Errorf("select setting %s: %w", s.key, err)
	}
	var st failover.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return failover.State{}, fmt.Errorf("decode setting %s: %w", s.key, err)
	}
	return st, nil
}
