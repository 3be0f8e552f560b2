// Package gcs persists the marketplace credential as an object in Google
// Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/scrape-gateway/internal/credentials"
)

// Config captures the bucket and object used for the credential.
type Config struct {
	Bucket string
	Object string
}

// Store reads and writes the credential object.
type Store struct {
	client *storage.Client
	bucket string
	object string
}

// New creates a GCS-backed credential store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		cfg.Object = "credentials/marketplace.json"
	}
	return &Store{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// Name identifies the store in logs and metrics.
func (*Store) Name() string { return "gcs" }

// Load downloads and decodes the credential object.
func (s *Store) Load(ctx context.Context) (credentials.Credential, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return credentials.Credential{}, credentials.ErrNotFound
		}
		return credentials.Credential{}, fmt.Errorf("open gs://%s/%s: %w", s.bucket, s.object, err)
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("read gs://%s/%s: %w", s.bucket, s.object, err)
	}
	var cred credentials.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return credentials.Credential{}, fmt.Errorf("decode gs://%s/%s: %w", s.bucket, s.object, err)
	}
	return cred, nil
}

// Save uploads the credential object.
func (s *Store) Save(ctx context.Context, cred credentials.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
