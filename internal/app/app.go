// Package app wires the export service to its backing infrastructure. Both
// the API server and the queue worker start from Open.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/roomscan/internal/cache"
	"github.com/kiranshivaraju/roomscan/internal/config"
	"github.com/kiranshivaraju/roomscan/internal/convert"
	"github.com/kiranshivaraju/roomscan/internal/dispatch"
	"github.com/kiranshivaraju/roomscan/internal/export"
	"github.com/kiranshivaraju/roomscan/internal/notify"
	"github.com/kiranshivaraju/roomscan/internal/storage"
	"github.com/kiranshivaraju/roomscan/internal/store"
)

// Options are the command-line settings shared by the binaries.
type Options struct {
	MigrationsDir string
	// Concurrency bounds in-process conversions.
	Concurrency int
}

// App holds the connected infrastructure and the export service.
type App struct {
	Config     *config.Config
	Pool       *pgxpool.Pool
	Store      *store.PostgresStore
	Cache      *cache.RedisCache
	Objects    *storage.MinioStore
	Notifier   *notify.Redis
	Dispatcher dispatch.Dispatcher
	Service    *export.Service
}

// Open connects to Postgres, applies migrations, connects to Redis and the
// object store, and builds the export service with the configured
// dispatcher. Close releases everything Open acquired.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.Pool = pool
	slog.Info("database connected")

	if opts.MigrationsDir != "" {
		if err := store.RunMigrations(cfg.Database.URL, opts.MigrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied", "dir", opts.MigrationsDir)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.Cache = redisCache
	if err := redisCache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	objects, err := storage.NewMinioStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}
	a.Objects = objects

	a.Store = store.NewPostgresStore(pool)
	a.Notifier = notify.NewRedis(redisCache.Client(), cfg.Notify.Channel)

	var svc *export.Service
	a.Dispatcher = NewDispatcher(cfg.Dispatch, func(ctx context.Context, id uuid.UUID) error {
		_, err := svc.Process(ctx, id)
		return err
	}, opts.Concurrency)

	svc = export.NewService(export.Deps{
		Store: a.Store,
		Blobs: &storage.Blobs{
			Objects:     objects,
			Files:       storage.NewLocalFS(cfg.Storage.LegacyRoot),
			HTTP:        &http.Client{Timeout: cfg.Conversion.WaitTimeout},
			MaxBytes:    cfg.Conversion.MaxFileSize,
			RemoteHosts: cfg.Storage.RemoteHosts,
		},
		Resolver:   storage.NewResolver(cfg.Storage.PublicBaseURL, objects, cfg.Storage.SignedURLTTL),
		Converter:  convert.NewEngine(),
		Dispatcher: a.Dispatcher,
		Notifier:   a.Notifier,
		Cache:      redisCache,
	}, export.Config{
		MaxFileSize:    cfg.Conversion.MaxFileSize,
		EnableFallback: cfg.Conversion.EnableFallback,
		UploadBucket:   cfg.Storage.UploadBucket,
		WaitTimeout:    cfg.Conversion.WaitTimeout,
	})
	a.Service = svc
	slog.Info("export service ready", "dispatch", cfg.Dispatch.Mode)

	ok = true
	return a, nil
}

// NewDispatcher selects the dispatcher for the configured mode. process runs
// conversions for the local mode.
func NewDispatcher(cfg config.DispatchConfig, process dispatch.ProcessFunc, concurrency int) dispatch.Dispatcher {
	switch cfg.Mode {
	case config.DispatchHTTP:
		return dispatch.NewHTTP(cfg.BaseURL, cfg.InternalToken, cfg.Timeout)
	case config.DispatchKafka:
		return dispatch.NewKafka(cfg.Kafka)
	default:
		return dispatch.NewLocal(process, concurrency)
	}
}

// Close waits for background conversions, then stops the dispatcher and
// closes connections. It is safe on a partially opened App.
func (a *App) Close() {
	if a.Service != nil {
		a.Service.Wait()
	}
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(); err != nil {
			slog.Warn("closing dispatcher failed", "error", err)
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			slog.Warn("closing redis failed", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
