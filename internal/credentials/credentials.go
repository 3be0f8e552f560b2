// Package credentials maintains the marketplace session cookies used by the
// alert worker: an in-memory cache in front of persistent stores, backed by a
// generator that mints fresh cookies when needed.
package credentials

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Store holding no credential.
	ErrNotFound = errors.New("credential not found")
	// ErrNotPersisted is returned when no store accepted a write.
	ErrNotPersisted = errors.New("credential not persisted to any store")
	// ErrRefreshTimeout is returned when a shared refresh did not finish in time.
	ErrRefreshTimeout = errors.New("timed out waiting for credential refresh")
	// ErrNoGenerator is returned when a refresh is needed but none is configured.
	ErrNoGenerator = errors.New("no credential generator configured")
	// ErrNoCookies is returned by a generator that ended up with an empty jar.
	ErrNoCookies = errors.New("no cookies obtained")
)

// Credential is an opaque cookie header plus its provenance.
type Credential struct {
	Cookies     string    `json:"cookies"`
	GeneratedAt time.Time `json:"generated_at"`
	Source      string    `json:"source"`
}

// Store persists a single credential.
type Store interface {
	Name() string
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, cred Credential) error
}

// Generator mints a fresh cookie header.
type Generator interface {
	Name() string
	Generate(ctx context.Context) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

