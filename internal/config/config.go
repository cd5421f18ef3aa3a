package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ClickModeScript = "script"
	ClickModeNative = "native"
)

// Config holds all configuration for the browser agent. It is loaded once at
// startup and passed by value into constructors.
type Config struct {
	// Debugging endpoint
	BrowserURL     string `yaml:"browser_url"`
	ConnectionType string `yaml:"connection_type"`
	ErrorHelp      string `yaml:"error_help"`

	// Adapter behaviour
	NavigationTimeoutMS int    `yaml:"navigation_timeout_ms"`
	CaptureBufferSize   int    `yaml:"capture_buffer_size"`
	ClickMode           string `yaml:"click_mode"`

	// Console registry
	ConsoleBufferSize      int `yaml:"console_buffer_size"`
	ConsoleMaxMessageBytes int `yaml:"console_max_message_bytes"`

	// Screenshot persistence
	SaveScreenshots    bool   `yaml:"save_screenshots"`
	ScreenshotDir      string `yaml:"screenshot_dir"`
	ScreenshotMaxCount int    `yaml:"screenshot_max_count"`

	// JSONL archive of console and network records; empty disables it.
	ArchiveDir       string `yaml:"archive_dir"`
	ArchiveMaxSizeMB int    `yaml:"archive_max_size_mb"`

	// HTTP controller
	HTTPEnabled      bool     `yaml:"http_enabled"`
	BindAddr         string   `yaml:"bind_addr"`
	PortCandidates   []string `yaml:"port_candidates"`
	PortAutoFallback bool     `yaml:"port_auto_fallback"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		BrowserURL:             "http://localhost:9222",
		ConnectionType:         "direct",
		ErrorHelp:              "Make sure the browser was started with --remote-debugging-port=9222, or start an SSH tunnel to the remote debugging port.",
		NavigationTimeoutMS:    30000,
		CaptureBufferSize:      1024,
		ClickMode:              ClickModeScript,
		ConsoleBufferSize:      1000,
		ConsoleMaxMessageBytes: 16 * 1024,
		SaveScreenshots:        true,
		ScreenshotDir:          filepath.Join(os.TempDir(), "browser_agent", "screenshots"),
		ScreenshotMaxCount:     500,
		ArchiveMaxSizeMB:       50,
		BindAddr:               "127.0.0.1:8189",
		PortCandidates:         []string{"127.0.0.1:8190", "127.0.0.1:8191", "127.0.0.1:8192"},
		PortAutoFallback:       true,
		LogLevel:               "info",
		LogFile:                "logs/browser_agent.log",
	}
}

// Load reads configuration from an optional .env file, an optional YAML file
// named by BROWSER_AGENT_CONFIG, and the process environment. Environment
// variables take precedence over the YAML file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Default()
	if path := os.Getenv("BROWSER_AGENT_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.BrowserURL = strings.TrimRight(getEnvOrDefault("BROWSER_URL", cfg.BrowserURL), "/")
	cfg.ConnectionType = getEnvOrDefault("CONNECTION_TYPE", cfg.ConnectionType)
	cfg.ErrorHelp = getEnvOrDefault("ERROR_HELP", cfg.ErrorHelp)
	cfg.NavigationTimeoutMS = getEnvIntOrDefault("NAVIGATION_TIMEOUT_MS", cfg.NavigationTimeoutMS)
	cfg.CaptureBufferSize = getEnvIntOrDefault("CAPTURE_BUFFER_SIZE", cfg.CaptureBufferSize)
	cfg.ClickMode = strings.ToLower(getEnvOrDefault("CLICK_MODE", cfg.ClickMode))
	cfg.ConsoleBufferSize = getEnvIntOrDefault("CONSOLE_BUFFER_SIZE", cfg.ConsoleBufferSize)
	cfg.ConsoleMaxMessageBytes = getEnvIntOrDefault("CONSOLE_MAX_MESSAGE_BYTES", cfg.ConsoleMaxMessageBytes)
	cfg.SaveScreenshots = getEnvBoolOrDefault("SAVE_SCREENSHOTS", cfg.SaveScreenshots)
	cfg.ScreenshotDir = getEnvOrDefault("SCREENSHOT_DIR", cfg.ScreenshotDir)
	cfg.ScreenshotMaxCount = getEnvIntOrDefault("SCREENSHOT_MAX_COUNT", cfg.ScreenshotMaxCount)
	cfg.ArchiveDir = getEnvOrDefault("ARCHIVE_DIR", cfg.ArchiveDir)
	cfg.ArchiveMaxSizeMB = getEnvIntOrDefault("ARCHIVE_MAX_SIZE_MB", cfg.ArchiveMaxSizeMB)
	cfg.HTTPEnabled = getEnvBoolOrDefault("HTTP_ENABLED", cfg.HTTPEnabled)
	cfg.BindAddr = getEnvOrDefault("CONTROLLER_BIND_ADDR", cfg.BindAddr)
	cfg.PortCandidates = getEnvListOrDefault("CONTROLLER_PORT_CANDIDATES", cfg.PortCandidates)
	cfg.PortAutoFallback = getEnvBoolOrDefault("CONTROLLER_PORT_AUTO_FALLBACK", cfg.PortAutoFallback)
	cfg.LogLevel = strings.ToLower(getEnvOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFile = getEnvOrDefault("LOG_FILE", cfg.LogFile)

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if c.BrowserURL == "" {
		return fmt.Errorf("config: browser url is empty")
	}
	if !strings.HasPrefix(c.BrowserURL, "http://") && !strings.HasPrefix(c.BrowserURL, "https://") {
		return fmt.Errorf("config: browser url must be http(s): %q", c.BrowserURL)
	}
	if c.NavigationTimeoutMS < 1000 {
		c.NavigationTimeoutMS = 1000
	}
	if c.CaptureBufferSize < 16 {
		c.CaptureBufferSize = 16
	}
	if c.ConsoleBufferSize < 1 {
		c.ConsoleBufferSize = 1
	}
	if c.ConsoleMaxMessageBytes < 256 {
		c.ConsoleMaxMessageBytes = 256
	}
	if c.ScreenshotMaxCount < 0 {
		c.ScreenshotMaxCount = 0
	}
	if c.ArchiveMaxSizeMB < 1 {
		c.ArchiveMaxSizeMB = 1
	}
	switch c.ClickMode {
	case ClickModeScript, ClickModeNative:
	default:
		return fmt.Errorf("config: click mode must be %q or %q, got %q", ClickModeScript, ClickModeNative, c.ClickMode)
	}
	return nil
}

// NavigationTimeout is the upper bound on waiting for a page load event.
func (c *Config) NavigationTimeout() time.Duration {
	return time.Duration(c.NavigationTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
