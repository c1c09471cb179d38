package main

import (
	"context"
	"os"
	"time"

	"finet/internal/cli"
	apphttp "finet/internal/http"
	"finet/internal/log"
	"finet/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadConfig()
	if err != nil {
		cli.SetupLogger(nil, os.Stdout).Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	logger := cli.SetupLogger(cfg, os.Stdout)
	logger.Info("Starting finet", "port", cfg.Port, "api", cfg.APIBaseURL,
		"session_backend", cfg.SessionBackend, "retry_backend", cfg.RetryBackend)

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, nil)

	svc, err := cli.Build(ctx, cfg, logger, cli.Options{})
	if err != nil {
		logger.Error("Failed to initialize services", log.FieldError, err)
		os.Exit(1)
	}
	defer svc.Close()

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Config:     cfg,
		Logger:     logger,
		API:        svc.API,
		Session:    svc.Session,
		Ledger:     svc.Ledger,
		Exporter:   svc.Exporter,
		Uploader:   svc.Uploader,
		Forecaster: svc.Forecaster,
		Caches:     svc.Caches,
	})
	svc.Caches.StartCleanup(time.Minute)

	tasks := []cli.Task{
		{Name: "http", Run: func(ctx context.Context) error { return srv.Run(ctx, shutdownTimeout-5*time.Second) }},
		{Name: "session-sweeper", Run: svc.Session.Run},
	}
	// Without a broker the BFF drains its own outbox.
	if svc.Retry.Outbox != nil {
		proc := worker.NewOutboxProcessor(svc.Retry.Outbox, svc.Ledger, worker.OutboxConfig{
			PollInterval: cfg.RetryPollInterval,
			BatchSize:    cfg.RetryBatchSize,
			MaxRetries:   cfg.RetryMaxAttempts,
			Logger:       logger,
		})
		tasks = append(tasks, cli.Task{Name: "outbox", Run: proc.Run})
	}

	if err := cli.RunTasks(ctx, logger, tasks...); err != nil {
		logger.Error("finet stopped with error", log.FieldError, err)
		svc.Close()
		os.Exit(1)
	}
	<-done
	logger.Info("finet stopped")
}
