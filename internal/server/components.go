package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/alerts"
	"github.com/JakeFAU/scrape-gateway/internal/api"
	"github.com/JakeFAU/scrape-gateway/internal/config"
	"github.com/JakeFAU/scrape-gateway/internal/credentials"
	"github.com/JakeFAU/scrape-gateway/internal/enrich"
	"github.com/JakeFAU/scrape-gateway/internal/failover"
	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/policy/backoff"
	"github.com/JakeFAU/scrape-gateway/internal/policy/ratelimit"
	gcsstore "github.com/JakeFAU/scrape-gateway/internal/storage/gcs"
	localstore "github.com/JakeFAU/scrape-gateway/internal/storage/local"
	pgstore "github.com/JakeFAU/scrape-gateway/internal/storage/postgres"
	"github.com/JakeFAU/scrape-gateway/internal/storage/redisstore"
	"github.com/JakeFAU/scrape-gateway/internal/worker"
)

func (a *App) setupAPI() error {
	router, err := a.newGatewayRouter()
	if err != nil {
		return err
	}

	opts := []api.Option{}
	if a.pool != nil {
		pool := a.pool
		opts = append(opts, api.WithReadinessChecks(func(ctx context.Context) error { return pool.Ping(ctx) }))
	}
	if a.cfg.Failover.Enabled {
		if a.pool == nil {
			a.logger.Warn("failover state is written by the worker to postgres; /api/failover stays disabled without db.dsn")
		} else {
			states, err := pgstore.NewFailoverStateStore(a.pool, "", "")
			if err != nil {
				return err
			}
			opts = append(opts, api.WithFailover(states))
		}
	}
	enricher, err := a.newEnricher()
	if err != nil {
		return err
	}
	opts = append(opts, api.WithEnricher(enricher))

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(router, api.Options{
		APIKey:         apiKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger.Named("api"), opts...)
	return nil
}

func (a *App) newGatewayRouter() (*gateway.Router, error) {
	specs, err := a.cfg.Gateway.NodeSpecs()
	if err != nil {
		return nil, fmt.Errorf("gateway nodes: %w", err)
	}
	if len(specs) == 0 {
		a.logger.Warn("no scraper nodes configured, every gateway request will fail")
	}
	reg, err := gateway.NewRegistry(specs, a.cfg.Gateway.Settings(), gateway.WithClock(a.clock))
	if err != nil {
		return nil, fmt.Errorf("gateway registry init failed: %w", err)
	}
	logger := a.logger.Named("gateway")
	forwarder := gateway.NewForwarder(reg, &http.Client{}, logger)
	a.logger.Info("gateway initialized",
		zap.Int("nodes", len(specs)),
		zap.String("strategy", a.cfg.Gateway.RotationStrategy),
	)
	return gateway.NewRouter(reg, forwarder, logger), nil
}

func (a *App) newFailoverManager(ctx context.Context) (*failover.Manager, error) {
	fc := a.cfg.Failover
	logger := a.logger.Named("failover")
	provider, err := failover.NewFlyProvider(failover.FlyConfig{
		BaseURL: fc.FlyAPIURL,
		Token:   fc.FlyToken,
		Image:   fc.Image,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("fly provider init failed: %w", err)
	}
	opts := []failover.Option{failover.WithClock(a.clock), failover.WithPublisher(a.publisher)}
	if a.pool != nil {
		states, err := pgstore.NewFailoverStateStore(a.pool, "", "")
		if err != nil {
			return nil, err
		}
		opts = append(opts, failover.WithStateStore(states))
	}
	mgr, err := failover.NewManager(failover.Config{
		App:          fc.App,
		Region:       fc.Region,
		Machine:      fc.Machine,
		Regions:      fc.Regions,
		FallbackApps: fc.FallbackApps,
		Cooldown:     fc.Cooldown,
		Max403:       fc.Max403BeforeFailover,
		SettleDelay:  fc.SettleDelay,
	}, provider, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failover manager init failed: %w", err)
	}
	if err := mgr.Restore(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (a *App) newEnricher() (*enrich.Enricher, error) {
	ec := a.cfg.Enrich
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: ec.RateLimitRPS, DefaultBurst: ec.RateLimitBurst})
	fetcher := enrich.NewFetcher(nil, limiter, enrich.FetcherConfig{
		UserAgent: a.cfg.Credentials.UserAgent,
		Timeout:   ec.Timeout,
		Backoff: backoff.Policy{
			MaxAttempts: ec.MaxAttempts,
			Initial:     ec.BackoffInitial,
			Max:         ec.BackoffMax,
		},
	}, a.logger.Named("enrich"))
	enricher, err := enrich.NewEnricher(fetcher, ec.Concurrency, ec.CacheSize, a.logger.Named("enrich"))
	if err != nil {
		return nil, fmt.Errorf("enricher init failed: %w", err)
	}
	a.onClose(enricher.Close)
	return enricher, nil
}

func (a *App) setupWorker(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("db.dsn is required for the alert worker")
	}
	alertStore, err := pgstore.NewAlertStore(a.pool)
	if err != nil {
		return err
	}
	creds, err := a.newCredentialManager()
	if err != nil {
		return err
	}
	marketplace, err := alerts.NewMarketplace(alerts.MarketplaceConfig{
		BaseURL:    a.cfg.Marketplace.BaseURL,
		SearchPath: a.cfg.Marketplace.SearchPath,
		UserAgent:  a.cfg.Credentials.UserAgent,
		Timeout:    a.cfg.Marketplace.Timeout,
	}, a.logger.Named("marketplace"))
	if err != nil {
		return fmt.Errorf("marketplace client init failed: %w", err)
	}
	checker := alerts.NewChecker(alertStore, marketplace, a.publisher, a.cfg.Marketplace.Concurrency, a.logger.Named("alerts"))

	var handler worker.FailoverHandler
	if a.cfg.Failover.Enabled {
		mgr, err := a.newFailoverManager(ctx)
		if err != nil {
			return err
		}
		handler = mgr
	}

	wc := a.cfg.Worker
	w, err := worker.New(worker.Config{
		Schedule:              wc.Schedule,
		CheckInterval:         wc.CheckInterval,
		CookieRefreshInterval: wc.CookieRefreshInterval,
		ForbiddenWait:         wc.ForbiddenWait,
		StabilizeDelay:        wc.StabilizeDelay,
		MaxImmediateRetries:   wc.MaxImmediateRetries,
		ImmediateRetryWindow:  wc.ImmediateRetryWindow,
		FailoverEnabled:       a.cfg.Failover.Enabled,
	}, checker, creds, handler, a.logger.Named("worker"), worker.WithClock(a.clock))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	a.worker = w
	return nil
}

func (a *App) newCredentialManager() (*credentials.Manager, error) {
	cc := a.cfg.Credentials
	logger := a.logger.Named("credentials")

	generator, err := a.newGenerator(cc)
	if err != nil {
		return nil, err
	}
	stores, err := a.credentialStores(cc)
	if err != nil {
		return nil, err
	}
	chain := credentials.NewChain(logger, stores...)
	return credentials.NewManager(credentials.ManagerConfig{
		RefreshWait: cc.RefreshWait,
		CacheTTL:    cc.CacheTTL,
	}, chain, generator, logger, credentials.WithClock(a.clock)), nil
}

func (a *App) newGenerator(cc config.CredentialsConfig) (credentials.Generator, error) {
	home := cc.HomeURL
	if home == "" {
		home = a.cfg.Marketplace.BaseURL
	}
	switch cc.Generator {
	case "browser":
		gen, err := credentials.NewBrowserGenerator(credentials.BrowserGeneratorConfig{
			HomeURL:   home,
			UserAgent: cc.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("browser generator init failed: %w", err)
		}
		a.onClose(gen.Close)
		return gen, nil
	default:
		gen, err := credentials.NewHTTPGenerator(credentials.HTTPGeneratorConfig{
			HomeURL:   home,
			UserAgent: cc.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("http generator init failed: %w", err)
		}
		return gen, nil
	}
}

// credentialStores builds the enabled stores in configured order.
func (a *App) credentialStores(cc config.CredentialsConfig) ([]credentials.Store, error) {
	stores := make([]credentials.Store, 0, len(cc.Stores))
	for _, name := range cc.Stores {
		var (
			store credentials.Store
			err   error
		)
		switch name {
		case config.StoreMemory:
			store = credentials.NewMemoryStore()
		case config.StoreSettings:
			if a.pool == nil {
				return nil, fmt.Errorf("store %q needs db.dsn", name)
			}
			store, err = pgstore.NewSettingsStore(a.pool, "", cc.SettingsKey)
		case config.StoreSession:
			if a.pool == nil {
				return nil, fmt.Errorf("store %q needs db.dsn", name)
			}
			store, err = pgstore.NewSessionStore(a.pool, "", cc.WorkerID)
		case config.StoreRedis:
			if a.redis == nil {
				return nil, fmt.Errorf("store %q needs redis.addr", name)
			}
			store, err = redisstore.New(a.redis, a.cfg.Redis.Key, a.cfg.Redis.TTL)
		case config.StoreGCS:
			store, err = gcsstore.New(a.storage, gcsstore.Config{
				Bucket: a.cfg.Storage.GCSBucket,
				Object: a.cfg.Storage.GCSObject,
			})
		case config.StoreLocal:
			store, err = localstore.New(cc.LocalPath)
		default:
			err = fmt.Errorf("unknown credential store %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("credential store %s: %w", name, err)
		}
		stores = append(stores, store)
	}
	return stores, nil
}
