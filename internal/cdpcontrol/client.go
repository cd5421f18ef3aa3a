package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/browser_agent/internal/config"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
)

// ConsoleSink owns the per-tab console buffers and the watcher sessions that
// keep feeding them after load_url returns.
type ConsoleSink interface {
	// Attach swaps in w as the tab's watcher and empties the tab's buffer.
	Attach(tabID string, w io.Closer)
	AppendFrom(tabID string, w io.Closer, e consolelog.Entry)
	Release(tabID string, w io.Closer)
}

// Client runs tab operations against a browser debugging endpoint. Every
// operation opens its own page session and closes it before returning;
// LoadURL hands its session over to the console sink instead.
type Client struct {
	browserURL     string
	connectionType string
	errorHelp      string
	navTimeout     time.Duration
	captureBuffer  int
	clickMode      string
	clickWait      time.Duration

	console ConsoleSink
}

func NewClient(cfg *config.Config, console ConsoleSink) *Client {
	return &Client{
		browserURL:     strings.TrimRight(cfg.BrowserURL, "/"),
		connectionType: cfg.ConnectionType,
		errorHelp:      cfg.ErrorHelp,
		navTimeout:     cfg.NavigationTimeout(),
		captureBuffer:  cfg.CaptureBufferSize,
		clickMode:      cfg.ClickMode,
		clickWait:      time.Second,
		console:        console,
	}
}

// ListTabs returns the targets reported by /json/list, unfiltered.
func (c *Client) ListTabs(ctx context.Context) ([]Tab, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tabs []Tab
	if err := c.getJSON(listCtx, "/json/list", &tabs); err != nil {
		slog.Error("cdpcontrol list tabs failed",
			"browser_url", c.browserURL,
			"connection_type", c.connectionType,
			"error", err,
		)
		return nil, newError(CodeCDPUnavailable, c.unreachableMessage(), err)
	}
	if tabs == nil {
		tabs = []Tab{}
	}
	slog.Debug("cdpcontrol list tabs", "count", len(tabs), "connection_type", c.connectionType)
	return tabs, nil
}

// Available reports whether the debugging endpoint answers /json/version.
// Any failure collapses to false.
func (c *Client) Available(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var info struct {
		Browser string `json:"Browser"`
	}
	if err := c.getJSON(checkCtx, "/json/version", &info); err != nil {
		slog.Debug("cdpcontrol availability check failed", "browser_url", c.browserURL, "error", err)
		return false
	}
	return true
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.browserURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) unreachableMessage() string {
	msg := fmt.Sprintf("cannot reach browser debugging endpoint at %s (%s)", c.browserURL, c.connectionType)
	if c.errorHelp != "" {
		msg += ". " + c.errorHelp
	}
	return msg
}

// openTab opens a page session for tabID. The caller owns the session and
// must close it on every exit path.
func (c *Client) openTab(ctx context.Context, tabID string) (*rawSession, error) {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return nil, newError(CodeValidation, "tabId is required", nil)
	}
	wsURL, err := pageWSURL(c.browserURL, tabID)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "invalid browser url", err)
	}

	s, err := openSession(ctx, wsURL, tabID)
	if err != nil {
		if !c.Available(ctx) {
			slog.Error("cdpcontrol browser unreachable",
				"browser_url", c.browserURL,
				"connection_type", c.connectionType,
				"tab_id", tabID,
				"error", err,
			)
			return nil, newError(CodeCDPUnavailable, c.unreachableMessage(), err)
		}
		return nil, newError(CodeTabNotFound, fmt.Sprintf("cannot attach to tab %q; call list_tabs for valid ids", tabID), err)
	}
	return s, nil
}

func (c *Client) closeSession(s *rawSession) {
	if err := s.Close(); err != nil {
		slog.Debug("cdpcontrol session close failed", "target_id", s.targetID, "error", err)
	}
}

// protocolError wraps a failed CDP call. Context errors pass through so
// callers can tell cancellation from browser failures.
func protocolError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return err
	}
	return newError(CodeProtocolFailure, op+" failed", err)
}

func codeOf(err error, fallback string) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return fallback
}
