package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/studio/internal/app"
	"github.com/ent0n29/studio/internal/config"
	"github.com/ent0n29/studio/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "studio: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
	}

	logger.Info("studio starting",
		slog.String("queue_backend", cfg.QueueBackend),
		slog.String("session_backend", cfg.SessionBackend),
		slog.String("synth_provider", cfg.SynthProvider),
		slog.Bool("leaky_cancel", cfg.QueueLeakyCancel),
	)
	if err := built.Run(ctx, ln); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
