// Package main is the entrypoint for the room scan export API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/roomscan/internal/api"
	"github.com/kiranshivaraju/roomscan/internal/api/handler"
	mw "github.com/kiranshivaraju/roomscan/internal/api/middleware"
	"github.com/kiranshivaraju/roomscan/internal/api/response"
	"github.com/kiranshivaraju/roomscan/internal/app"
	"github.com/kiranshivaraju/roomscan/internal/config"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	migrations := pflag.String("migrations", "migrations", "Directory of SQL migrations, empty to skip")
	concurrency := pflag.Int("concurrency", 4, "Conversions run in-process when DISPATCH_MODE is local")
	pflag.Parse()

	if err := run(app.Options{MigrationsDir: *migrations, Concurrency: *concurrency}); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(opts app.Options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "dispatch", cfg.Dispatch.Mode, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	proxies, err := mw.NewTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	svc := a.Service
	deps := api.Dependencies{
		Auth:      mw.NewInternalAuth(cfg.Dispatch.InternalTokenHash),
		RateLimit: mw.NewRateLimit(a.Cache, cfg.RateLimit.PerMinute).BehindProxies(proxies),

		HealthHandler: healthHandler(map[string]pinger{
			"database": a.Store,
			"cache":    a.Cache,
			"storage":  a.Objects,
		}),
		CreateHandler: handler.NewCreateHandler(svc, cfg.Conversion.WaitTimeout),
		UploadHandler: handler.NewUploadHandler(svc, a.Objects, handler.UploadConfig{
			Bucket:      cfg.Storage.UploadBucket,
			MaxFileSize: cfg.Conversion.MaxFileSize,
			MaxWait:     cfg.Conversion.WaitTimeout,
		}),
		ListHandler:    handler.NewListHandler(svc),
		GetHandler:     handler.NewGetHandler(svc),
		DeleteHandler:  handler.NewDeleteHandler(svc),
		RetryHandler:   handler.NewRetryHandler(svc),
		EventsHandler:  handler.NewEventsHandler(svc, a.Notifier, 0),
		ConvertHandler: handler.NewConvertHandler(svc),
	}

	router := api.NewRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		// Bounded-wait requests hold the connection up to WaitTimeout.
		WriteTimeout: cfg.Conversion.WaitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks connectivity of each named dependency.
func healthHandler(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(deps))
		degraded := false
		for name, p := range deps {
			checks[name] = "ok"
			if err := p.Ping(r.Context()); err != nil {
				slog.Warn("health check failed", "service", name, "error", err)
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
