package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/hash/sha256"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

const (
	cacheKey    = "marketplace-cookies"
	flightKey   = "generate"
	defaultWait = 2 * time.Minute
)

// ManagerConfig tunes the Manager.
type ManagerConfig struct {
	// RefreshWait bounds how long a caller waits for a shared refresh and
	// how long a single generation may run.
	RefreshWait time.Duration
	// CacheTTL expires the in-memory copy; zero keeps it until replaced.
	CacheTTL time.Duration
}

// Manager hands out the current credential and serializes regeneration so
// that concurrent callers share one in-flight generation.
type Manager struct {
	chain     *Chain
	generator Generator
	logger    *zap.Logger
	clock     Clock
	wait      time.Duration

	cache *cache.Cache
	group singleflight.Group

	mu          sync.RWMutex
	lastRefresh time.Time
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a Manager. generator may be nil, in which case only
// stored credentials can be served.
func NewManager(cfg ManagerConfig, chain *Chain, generator Generator, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chain == nil {
		chain = NewChain(logger)
	}
	if cfg.RefreshWait <= 0 {
		cfg.RefreshWait = defaultWait
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	m := &Manager{
		chain:     chain,
		generator: generator,
		logger:    logger,
		clock:     system.New(),
		wait:      cfg.RefreshWait,
		cache:     cache.New(ttl, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the cached credential, falling back to the store chain and
// then to a fresh generation.
func (m *Manager) Current(ctx context.Context) (string, error) {
	if v, ok := m.cache.Get(cacheKey); ok {
		if cred, ok := v.(Credential); ok && cred.Cookies != "" {
			return cred.Cookies, nil
		}
	}

	cred, err := m.chain.Load(ctx)
	if err == nil {
		m.remember(cred)
		m.logger.Info("credential loaded from store",
			zap.String("source", cred.Source),
			zap.String("fingerprint", sha256.Fingerprint(cred.Cookies)),
		)
		return cred.Cookies, nil
	}
	return m.regenerate(ctx, "missing")
}

// Refresh regenerates the credential, sharing any generation already running.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.regenerate(ctx, "scheduled")
}

// ForceRegenerate drops the cached credential and regenerates it.
func (m *Manager) ForceRegenerate(ctx context.Context) (string, error) {
	m.cache.Delete(cacheKey)
	return m.regenerate(ctx, "forced")
}

// LastRefresh returns when the current credential was generated.
func (m *Manager) LastRefresh() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefresh
}

func (m *Manager) regenerate(ctx context.Context, reason string) (string, error) {
	if m.generator == nil {
		return "", ErrNoGenerator
	}
	// The generation outlives any single caller so that waiters are not
	// failed by the first caller going away.
	genCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(flightKey, func() (any, error) {
		return m.generate(genCtx, reason)
	})

	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			m.logger.Debug("joined in-flight credential refresh", zap.String("reason", reason))
		}
		cookies, _ := res.Val.(string)
		return cookies, nil
	case <-timer.C:
		return "", fmt.Errorf("%w after %s", ErrRefreshTimeout, m.wait)
	case <-ctx.Done():
		return "", fmt.Errorf("credential refresh: %w", ctx.Err())
	}
}

func (m *Manager) generate(ctx context.Context, reason string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()

	start := m.clock.Now()
	cookies, err := m.generator.Generate(ctx)
	if err == nil && cookies == "" {
		err = ErrNoCookies
	}
	metrics.ObserveCredentialRefresh(err == nil)
	if err != nil {
		m.logger.Error("credential generation failed",
			zap.String("generator", m.generator.Name()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return "", fmt.Errorf("generate credentials: %w", err)
	}

	cred := Credential{Cookies: cookies, GeneratedAt: m.clock.Now(), Source: m.generator.Name()}
	m.remember(cred)
	m.logger.Info("credential regenerated",
		zap.String("generator", cred.Source),
		zap.String("reason", reason),
		zap.String("fingerprint", sha256.Fingerprint(cookies)),
		zap.Duration("took", cred.GeneratedAt.Sub(start)),
	)

	if err := m.chain.Save(ctx, cred); err != nil {
		if errors.Is(err, ErrNotPersisted) {
			m.logger.Error("fresh credential only held in memory", zap.Strings("stores", m.chain.Stores()), zap.Error(err))
		} else {
			m.logger.Warn("credential persistence failed", zap.Error(err))
		}
	}
	return cookies, nil
}

func (m *Manager) remember(cred Credential) {
	m.cache.Set(cacheKey, cred, cache.DefaultExpiration)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred.GeneratedAt.After(m.lastRefresh) {
		m.lastRefresh = cred.GeneratedAt
	}
}
