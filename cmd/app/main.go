package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"market_session/internal/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.InfoContext(ctx, "✨ Market session engine operational. Press Ctrl+C to exit.",
		slog.String("addr", bootstrap.Config.HTTP.Addr),
	)

	// 3. Scheduler, sweeper and HTTP server until a signal arrives
	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("❌ Engine stopped with error", slog.Any("error", err))
		stop()
		bootstrap.Close()
		os.Exit(1)
	}

	slog.Info("👋 Shutting down gracefully...")
}
