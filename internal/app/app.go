// Package app wires configuration into the browser client, console registry,
// archives and the controller service shared by both binaries.
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/browser_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/browser_agent/internal/config"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
	"github.com/dgnsrekt/browser_agent/internal/controller"
	"github.com/dgnsrekt/browser_agent/internal/snapshot"
	"github.com/dgnsrekt/browser_agent/internal/storage"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

type App struct {
	Config  *config.Config
	Client  *cdpcontrol.Client
	Console *consolelog.Registry
	Service *controller.Service

	archive *storage.Archive
}

// New builds every long-lived component from cfg. Close releases them.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var consoleOpts []consolelog.Option
	svcOpts := []controller.Option{controller.WithBrowserURL(cfg.BrowserURL)}
	if cfg.ArchiveDir != "" {
		a.archive = storage.Open(cfg.ArchiveDir, storage.Options{MaxSizeMB: cfg.ArchiveMaxSizeMB})
		consoleOpts = append(consoleOpts, consolelog.WithArchive(a.archive.Console))
		svcOpts = append(svcOpts, controller.WithNetworkArchive(a.archive.Network))
		slog.Info("jsonl archive enabled", "dir", cfg.ArchiveDir, "max_size_mb", cfg.ArchiveMaxSizeMB)
	}

	if cfg.SaveScreenshots {
		store, err := snapshot.NewStore(cfg.ScreenshotDir, snapshot.WithMaxCount(cfg.ScreenshotMaxCount))
		if err != nil {
			return nil, fmt.Errorf("screenshot store: %w", err)
		}
		svcOpts = append(svcOpts, controller.WithSnapshots(store))
		slog.Info("screenshot saving enabled", "dir", store.Dir(), "max_count", cfg.ScreenshotMaxCount)
	}

	a.Console = consolelog.NewRegistry(cfg.ConsoleBufferSize, cfg.ConsoleMaxMessageBytes, consoleOpts...)
	a.Client = cdpcontrol.NewClient(cfg, a.Console)
	a.Service = controller.NewService(a.Client, a.Console, svcOpts...)

	slog.Info("browser agent configured",
		"browser_url", cfg.BrowserURL,
		"connection_type", cfg.ConnectionType,
		"click_mode", cfg.ClickMode,
		"navigation_timeout_ms", cfg.NavigationTimeoutMS,
		"console_buffer_size", cfg.ConsoleBufferSize,
		"version", Version,
	)
	return a, nil
}

// Close stops console watchers, then flushes the archives they feed.
func (a *App) Close() error {
	var errs []error
	if a.Console != nil {
		errs = append(errs, a.Console.Close())
	}
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	return errors.Join(errs...)
}

// SetupLogger installs the default slog logger, writing text records to
// console and to a rotating file. An empty filename disables the file.
func SetupLogger(level, filename string, console io.Writer) error {
	writers := []io.Writer{console}
	if filename != "" {
		if dir := filepath.Dir(filename); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		})
	}

	h := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: ParseLevel(level)})
	slog.SetDefault(slog.New(h))
	return nil
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
