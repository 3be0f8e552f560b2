package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrape-gateway/internal/credentials"
)

// SessionStore keeps the credential in a per-worker row of worker_sessions.
type SessionStore struct {
	db       DB
	table    string
	workerID string
}

// NewSessionStore creates a SessionStore for workerID.
func NewSessionStore(db DB, table, workerID string) (*SessionStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	table, err := checkTable(table, "worker_sessions")
	if err != nil {
		return nil, err
	}
	return &SessionStore{db: db, table: table, workerID: workerID}, nil
}

// Name identifies the store in logs and metrics.
func (*SessionStore) Name() string { return "postgres_session" }

// Load reads this worker's session row.
func (s *SessionStore) Load(ctx context.Context) (credentials.Credential, error) {
	var cred credentials.Credential
	query := fmt.Sprintf(`SELECT cookies, refreshed_at, source FROM %s WHERE worker_id = $1`, s.table)
	err := s.db.QueryRow(ctx, query, s.workerID).Scan(&cred.Cookies, &cred.GeneratedAt, &cred.Source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credentials.Credential{}, credentials.ErrNotFound
		}
		return credentials.Credential{}, fmt.Errorf("select session %s: %w", s.workerID, err)
	}
	return cred, nil
}

// Save upserts this worker's session row.
func (s *SessionStore) Save(ctx context.Context, cred credentials.Credential) error {
	query := fmt.Sprintf(`
INSERT INTO %s (worker_id, cookies, refreshed_at, source)
VALUES ($1, $2, $3, $4)
ON CONFLICT (worker_id) DO UPDATE
SET cookies = EXCLUDED.cookies, refreshed_at = EXCLUDED.refreshed_at, source = EXCLUDED.source`, s.table)
	if _, err := s.db.Exec(ctx, query, s.workerID, cred.Cookies, cred.GeneratedAt, cred.Source); err != nil {
		return fmt.Errorf("upsert session %s: %w", s.workerID, err)
	}
	return nil
}
