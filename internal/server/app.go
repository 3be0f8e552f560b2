// Package server builds the gateway and worker processes from configuration
// and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/api"
	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/config"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/telemetry"
	"github.com/JakeFAU/scrape-gateway/internal/worker"
)

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// App contains the process dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  *system.Clock

	pool         *pgxpool.Pool
	redis        *redis.Client
	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    Publisher

	apiServer *api.Server
	worker    *worker.Worker

	closers        []func()
	tracerShutdown func(context.Context) error
}

// Build sets up logging, tracing and the shared infrastructure clients.
func Build(ctx context.Context, cfg *config.Config, role string) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{ServiceName: cfg.Telemetry.ServiceName, Role: role})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app := &App{
		cfg:            cfg,
		logger:         logger.With(zap.String("role", role)),
		clock:          system.New(),
		tracerShutdown: tp.Shutdown,
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("failover_enabled", cfg.Failover.Enabled),
		zap.Strings("credential_stores", cfg.Credentials.Stores),
	)

	if err := app.setupDatabase(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupRedis(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupStorage(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

// BuildServe builds the gateway HTTP server.
func BuildServe(ctx context.Context, cfg *config.Config) (*App, error) {
	app, err := Build(ctx, cfg, "serve")
	if err != nil {
		return nil, err
	}
	if err := app.setupAPI(); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

// BuildWorker builds the alert worker.
func BuildWorker(ctx context.Context, cfg *config.Config) (*App, error) {
	app, err := Build(ctx, cfg, "worker")
	if err != nil {
		return nil, err
	}
	if err := app.setupWorker(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

// Serve runs the HTTP server until SIGINT/SIGTERM or ctx ends.
func (a *App) Serve(ctx context.Context) error {
	if a.apiServer == nil {
		return errors.New("api server not built")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		a.logger.Error("http server error", zap.Error(serveErr))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)
	return serveErr
}

// RunWorker runs the alert loop until SIGINT/SIGTERM or ctx ends. The signal
// is only observed between cycles.
func (a *App) RunWorker(ctx context.Context) error {
	if a.worker == nil {
		return errors.New("worker not built")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := a.worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.Close(shutdownCtx)
	return err
}

// Close releases every client in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}
