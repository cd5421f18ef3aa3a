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
	"github.com/dgnsrekt/browser_agent/internal/mcpserver"
	"github.com/dgnsrekt/browser_agent/internal/netutil"
)

// newApp is swapped in tests.
var newApp = app.New

func main() {
	// stdout carries the MCP stream; every log line goes to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := app.SetupLogger(cfg.LogLevel, cfg.LogFile, os.Stderr); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg)
	stop()
	os.Exit(code)
}

// run owns everything that needs cleanup, so every return path closes the
// app before main exits.
func run(ctx context.Context, cfg *config.Config) int {
	a, err := newApp(cfg)
	if err != nil {
		slog.Error("failed to initialise browser agent", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	if cfg.HTTPEnabled {
		srv, err := startHTTP(cfg, a)
		if err != nil {
			slog.Error("failed to start controller", "preferred", cfg.BindAddr, "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("controller shutdown failed", "error", err)
			}
		}()
	}

	if err := mcpserver.Run(ctx, a.Service, app.Version); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mcp server stopped", "error", err)
		return 1
	}
	return 0
}

func startHTTP(cfg *config.Config, a *app.App) (*http.Server, error) {
	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: api.NewServer(a.Service, api.WithVersion(app.Version)), ReadHeaderTimeout: 10 * time.Second}
	addr := ln.Addr().String()
	go func() {
		slog.Info("controller listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("controller server failed", "error", err)
		}
	}()
	return srv, nil
}
