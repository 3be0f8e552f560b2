package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// Chain reads from the first store that has a credential and writes to every
// store independently.
type Chain struct {
	stores []Store
	logger *zap.Logger
}

// NewChain creates a Chain over stores in priority order.
func NewChain(logger *zap.Logger, stores ...Store) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{stores: stores, logger: logger}
}

// Stores returns the names of the stores in order.
func (c *Chain) Stores() []string {
	names := make([]string, len(c.stores))
	for i, s := range c.stores {
		names[i] = s.Name()
	}
	return names
}

// Load returns the first usable credential. It returns ErrNotFound when no
// store has one; read errors from individual stores are logged and skipped.
func (c *Chain) Load(ctx context.Context) (Credential, error) {
	for _, s := range c.stores {
		cred, err := s.Load(ctx)
		switch {
		case err == nil && cred.Cookies != "":
			return cred, nil
		case err == nil, errors.Is(err, ErrNotFound):
			continue
		default:
			c.logger.Warn("credential store read failed", zap.String("store", s.Name()), zap.Error(err))
		}
	}
	return Credential{}, ErrNotFound
}

// Save writes cred to every store. It succeeds if at least one store accepted
// it; otherwise the error wraps ErrNotPersisted and every store failure.
func (c *Chain) Save(ctx context.Context, cred Credential) error {
	var (
		errs  []error
		saved int
	)
	for _, s := range c.stores {
		err := s.Save(ctx, cred)
		metrics.ObserveStoreWrite(s.Name(), err == nil)
		if err != nil {
			c.logger.Warn("credential store write failed", zap.String("store", s.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		saved++
	}
	if saved == 0 {
		return errors.Join(append([]error{ErrNotPersisted}, errs...)...)
	}
	return nil
}

// MemoryStore keeps the credential in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	cred Credential
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Name identifies the store in logs and metrics.
func (*MemoryStore) Name() string { return "memory" }

// Load returns the stored credential.
func (s *MemoryStore) Load(_ context.Context) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred.Cookies == "" {
		return Credential{}, ErrNotFound
	}
	return s.cred, nil
}

// Save replaces the stored credential.
func (s *MemoryStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	return nil
}
