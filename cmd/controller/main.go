package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/browser_agent/internal/api"
	"github.com/dgnsrekt/browser_agent/internal/app"
	"github.com/dgnsrekt/browser_agent/internal/config"
	"github.com/dgnsrekt/browser_agent/internal/netutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load controller config", "error", err)
		os.Exit(1)
	}

	if err := app.SetupLogger(cfg.LogLevel, cfg.LogFile, os.Stdout); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("controller config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

// run serves until ctx is done or the server fails. Cleanup happens before
// it returns.
func run(ctx context.Context, cfg *config.Config) int {
	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise browser agent", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind controller", "preferred", cfg.BindAddr, "error", err)
		return 1
	}
	addr := ln.Addr().String()

	if !a.Client.Available(ctx) {
		slog.Warn("browser debugging endpoint not reachable yet", "browser_url", cfg.BrowserURL)
	}

	srv := &http.Server{Handler: api.NewServer(a.Service, api.WithVersion(app.Version)), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("controller listening", "addr", addr, "docs", "http://"+addr+"/docs")
		serveErr <- srv.Serve(ln)
	}()

	code := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("controller server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("controller shutdown failed", "error", err)
	}
	return code
}
