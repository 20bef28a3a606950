package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"l3feed/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	cfg := bootstrap.Config

	// 2. Pprof Server (for performance profiling)
	if cfg.Profiling.Enabled {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", cfg.Profiling.Addr))
			if err := http.ListenAndServe(cfg.Profiling.Addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Feed wiring (fails fast on missing credentials)
	if err := bootstrap.BuildFeed(ctx); err != nil {
		slog.Error("❌ Feed setup failed", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}

	slog.InfoContext(ctx, "✨ l3feed operational. Press Ctrl+C to exit.")

	// 5. The hotpath loop
	runErr := bootstrap.Run(ctx)
	if runErr != nil {
		slog.Error("Feed stopped", slog.Any("error", runErr))
	}

	slog.Info("👋 Shutting down gracefully...")
	if err := bootstrap.Report(context.Background()); err != nil {
		slog.Error("Failed to write report", slog.Any("error", err))
	}

	if runErr != nil {
		bootstrap.Close()
		os.Exit(1)
	}
}
