// Package redisstore persists the marketplace credential in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrape-gateway/internal/credentials"
)

// DefaultKey is used when no key is configured.
const DefaultKey = "scrapegw:credentials:marketplace"

// Client is the subset of redis.Cmdable the store needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Store keeps the credential as JSON under a single key.
type Store struct {
	client Client
	key    string
	ttl    time.Duration
}

// New creates a Store. A zero ttl keeps the key without expiry.
func New(client Client, key string, ttl time.Duration) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key, ttl: ttl}, nil
}

// Name identifies the store in logs and metrics.
func (*Store) Name() string { return "redis" }

// Load reads the credential.
func (s *Store) Load(ctx context.Context) (credentials.Credential, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return credentials.Credential{}, credentials.ErrNotFound
		}
		return credentials.Credential{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	var cred credentials.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return credentials.Credential{}, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return cred, nil
}

// Save writes the credential.
func (s *Store) Save(ctx context.Context, cred credentials.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}
