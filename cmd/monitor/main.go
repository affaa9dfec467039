// Package main runs the relay monitor: it keeps the relay worker
// process alive, restarting it on abnormal exits and alerting when the
// restarts stop helping.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"feedback-relay/alert"
	"feedback-relay/config"
	"feedback-relay/supervise"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	command := cfg.WorkerCommand
	args := cfg.WorkerArgs
	if command == "" {
		// Default to the relay binary next to this one.
		exe, err := os.Executable()
		if err != nil {
			logger.Error("Failed to locate own binary", "error", err)
			os.Exit(1)
		}
		command = filepath.Join(filepath.Dir(exe), "relay")
		args = []string{"-config", *configPath}
	}
	logger.Info("Supervising worker", "command", command, "args", args)

	notifier := alert.NewNotifier(cfg.WebhookURL, cfg.Mentioned, nil, logger)
	throttle := alert.NewThrottle(alert.DefaultMinInterval)
	supervisor := supervise.New(supervise.Command(command, args...), notifier, throttle, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor.Start(ctx)

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	supervisor.Stop()
	logger.Info("Monitor stopped")
}
