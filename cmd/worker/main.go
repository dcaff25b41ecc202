// Package main is the entrypoint for the conversion worker. It consumes
// conversion tasks from Kafka and runs them against the shared export store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/app"
	"github.com/kiranshivaraju/roomscan/internal/config"
	"github.com/kiranshivaraju/roomscan/internal/dispatch"
	"github.com/spf13/pflag"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	migrations := pflag.String("migrations", "", "Directory of SQL migrations, empty to skip")
	concurrency := pflag.Int("concurrency", 2, "Conversions run at once")
	pflag.Parse()

	if err := run(app.Options{MigrationsDir: *migrations, Concurrency: *concurrency}); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(opts app.Options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Dispatch.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	consumer := dispatch.NewConsumer(cfg.Dispatch.Kafka)
	defer consumer.Close()

	svc := a.Service
	slog.Info("worker consuming", "topic", cfg.Dispatch.Kafka.Topic,
		"group", cfg.Dispatch.Kafka.GroupID, "concurrency", opts.Concurrency)

	err = consumer.Run(ctx, func(ctx context.Context, id uuid.UUID) error {
		_, err := svc.Process(ctx, id)
		return err
	}, opts.Concurrency)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}
