package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-gateway/internal/credentials"
)

// DefaultSettingsKey is the app_settings key holding the marketplace cookies.
const DefaultSettingsKey = "marketplace_cookies"

// SettingsStore keeps the credential as a JSON value in a key/value table.
type SettingsStore struct {
	db    DB
	table string
	key   string
}

// NewSettingsStore creates a SettingsStore over table (default app_settings).
func NewSettingsStore(db DB, table, key string) (*SettingsStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	table, err := checkTable(table, "app_settings")
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultSettingsKey
	}
	return &SettingsStore{db: db, table: table, key: key}, nil
}

// Name identifies the store in logs and metrics.
func (*SettingsStore) Name() string { return "postgres_settings" }

// Load reads the credential row.
func (s *SettingsStore) Load(ctx context.Context) (credentials.Credential, error) {
	var raw []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
	if err := s.db.QueryRow(ctx, query, s.key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credentials.Credential{}, credentials.ErrNotFound
		}
		return credentials.Credential{}, fmt.Errorf("select setting %s: %w", s.key, err)
	}
	var cred credentials.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return credentials.Credential{}, fmt.Errorf("decode setting %s: %w", s.key, err)
	}
	return cred, nil
}

// Save upserts the credential row.
func (s *SettingsStore) Save(ctx context.Context, cred credentials.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.Exec(ctx, query, s.key, raw, cred.GeneratedAt); err != nil {
		return fmt.Errorf("upsert setting %s: %w", s.key, err)
	}
	return nil
}
