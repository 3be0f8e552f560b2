// Package local persists the marketplace credential to a JSON file.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/JakeFAU/scrape-gateway/internal/credentials"
)

// Store writes the credential to a single file, replacing it atomically.
type Store struct {
	path string
}

// New validates the path and prepares the parent directory.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("local credential path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Name identifies the store in logs and metrics.
func (*Store) Name() string { return "local" }

// Load reads the credential file.
func (s *Store) Load(ctx context.Context) (credentials.Credential, error) {
	if err := ctx.Err(); err != nil {
		return credentials.Credential{}, err
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return credentials.Credential{}, credentials.ErrNotFound
		}
		return credentials.Credential{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	var cred credentials.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return credentials.Credential{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return cred, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target.
func (s *Store) Save(ctx context.Context, cred credentials.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credential-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
