// Package main runs the feedback relay worker: fetch the recent portal
// feedback on a schedule and deliver the unseen records downstream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gcs "cloud.google.com/go/storage"

	"feedback-relay/alert"
	"feedback-relay/auth"
	"feedback-relay/config"
	"feedback-relay/deliver"
	"feedback-relay/fetcher"
	"feedback-relay/pipeline"
	"feedback-relay/schedule"
	"feedback-relay/storage"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the YAML config file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	cfg.Print(logger)

	if err := cfg.RequireAccount(); err != nil {
		logger.Error("Incomplete configuration", "error", err)
		os.Exit(1)
	}

	var gcsClient *gcs.Client
	localPath := cfg.DataDir
	if cfg.Bucket != "" {
		localPath = ""
		gcsClient, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := gcsClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		logger.Info("Using bucket storage", "bucket", cfg.Bucket)
	} else {
		logger.Info("Using local storage", "data_dir", cfg.DataDir)
	}
	store := storage.New(gcsClient, cfg.Bucket, localPath, logger)

	portal := fetcher.NewClient(cfg.ListURL, cfg.ListReferer, nil, logger)
	authenticator := auth.New(portal, store,
		cfg.LoginURL, cfg.DashboardPrefix, cfg.Account, cfg.Password, *cfg.Headless, logger)
	fetch := fetcher.New(store, portal, authenticator, logger)
	deliverer := deliver.New(cfg.DeliveryURL, cfg.AppName, store, nil, logger)
	pipe := pipeline.New(fetch, deliverer, logger)

	notifier := alert.NewNotifier(cfg.WebhookURL, cfg.Mentioned, nil, logger)
	throttle := alert.NewThrottle(alert.DefaultMinInterval)
	scheduler := schedule.New(pipe, notifier, throttle, cfg.IntervalMinutes, cfg.LookbackMinutes, logger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(runCtx)

	<-runCtx.Done()
	logger.Info("Shutdown signal received")
	scheduler.Stop()
	logger.Info("Relay stopped")
}
