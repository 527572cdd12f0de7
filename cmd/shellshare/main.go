package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/shellshare/internal/config"
	"github.com/user/shellshare/internal/hub"
	"github.com/user/shellshare/internal/registry"
	"github.com/user/shellshare/internal/server"
)

var version = "0.1.0"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("shellshare v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	h := hub.New()
	r := registry.New(h, registry.Config{
		Shell:              cfg.Shell,
		ScrollbackCapBytes: cfg.ScrollbackBytes,
	})
	h.SetRegistry(r)

	srv := server.New(cfg, h)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	printStartupBanner(cfg)

	startErr := srv.Start(ctx)

	// Shutdown order matters: kill every session (best-effort killed
	// broadcasts; the explicit-kill path sends no exited) before tearing
	// down the client connections that would otherwise receive them.
	slog.Info("shutting down...")
	r.Close()
	h.Close()

	if startErr != nil {
		slog.Error("server error", "error", startErr)
		os.Exit(1)
	}
	slog.Info("shellshare stopped")
}

func printStartupBanner(cfg *config.Config) {
	fmt.Printf("\nshellshare v%s\n", version)
	fmt.Printf("  shell:        %s\n", cfg.Shell)
	fmt.Printf("  scrollback:   %d bytes/session\n", cfg.ScrollbackBytes)
	fmt.Printf("  listening on: http://0.0.0.0:%d\n", cfg.Port)
	fmt.Println("\nCtrl+C to stop")
}
