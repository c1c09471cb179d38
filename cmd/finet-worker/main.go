package main

import (
	"context"
	"os"
	"time"

	"finet/internal/backend"
	"finet/internal/cli"
	"finet/internal/core"
	"finet/internal/log"
	"finet/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		cli.SetupLogger(nil, os.Stdout).Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, os.Stdout).WithComponent(log.ComponentWorker)
	logger.Info("Starting finet-worker", "retry_backend", cfg.RetryBackend)

	ctx, done := cli.GracefulShutdown(logger, 15*time.Second, nil)

	// The worker never logs in; it follows the session the BFF or CLI holds.
	svc, err := cli.Build(ctx, cfg, logger, cli.Options{Shared: true, SkipExporter: true})
	if err != nil {
		logger.Error("Failed to initialize services", log.FieldError, err)
		os.Exit(1)
	}
	defer svc.Close()

	var task cli.Task
	switch {
	case svc.Retry.Consume != nil:
		h := worker.NewHandler(svc.Ledger, worker.HandlerConfig{MaxRetries: cfg.RetryMaxAttempts, Logger: logger})
		consume := svc.Retry.Consume
		task = cli.Task{Name: "consumer", Run: func(ctx context.Context) error {
			return consume(ctx, func(ctx context.Context, adj core.Adjustment) error {
				return h.Handle(ctx, adj)
			})
		}}
	case svc.Retry.Outbox != nil:
		proc := worker.NewOutboxProcessor(svc.Retry.Outbox, svc.Ledger, worker.OutboxConfig{
			PollInterval: cfg.RetryPollInterval,
			BatchSize:    cfg.RetryBatchSize,
			MaxRetries:   cfg.RetryMaxAttempts,
			Logger:       logger,
		})
		task = cli.Task{Name: "outbox", Run: proc.Run}
	default:
		logger.Error("finet-worker needs a retry backend", log.FieldBackend, string(backend.RetryNone),
			"hint", "set BALANCE_RETRY_BACKEND to sqlite, amqp, nats or kafka")
		os.Exit(1)
	}

	if err := cli.RunTasks(ctx, logger, task, cli.Task{Name: "session-sweeper", Run: svc.Session.Run}); err != nil {
		logger.Error("finet-worker stopped with error", log.FieldError, err)
		svc.Close()
		os.Exit(1)
	}
	<-done
	logger.Info("finet-worker stopped")
}
