package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/config"
	memorypublisher "github.com/JakeFAU/scrape-gateway/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-gateway/internal/publisher/pubsub"
	pgstore "github.com/JakeFAU/scrape-gateway/internal/storage/postgres"
)

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, postgres stores disabled")
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	a.onClose(pool.Close)
	a.logger.Info("postgres pool initialized")
	return nil
}

func (a *App) setupRedis(ctx context.Context) error {
	if !a.cfg.Credentials.UsesStore(config.StoreRedis) {
		return nil
	}
	if a.cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when the %q store is enabled", config.StoreRedis)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}
	a.redis = client
	a.onClose(func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	})
	a.logger.Info("redis client initialized", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if !a.cfg.Credentials.UsesStore(config.StoreGCS) {
		return nil
	}
	if a.cfg.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required when the %q store is enabled", config.StoreGCS)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("gcs client init failed: %w", err)
	}
	a.storage = client
	a.onClose(func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	})
	a.logger.Info("gcs client initialized", zap.String("bucket", a.cfg.Storage.GCSBucket))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	pub := gcppublisher.New(client, a.cfg.PubSub.TopicPrefix)
	a.publisher = pub
	a.onClose(func() {
		pub.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic_prefix", a.cfg.PubSub.TopicPrefix),
	)
	return nil
}
