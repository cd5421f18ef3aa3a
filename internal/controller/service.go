package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dgnsrekt/browser_agent/internal/capture"
	"github.com/dgnsrekt/browser_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
	"github.com/dgnsrekt/browser_agent/internal/imageproc"
	"github.com/dgnsrekt/browser_agent/internal/snapshot"
)

const (
	DefaultCaptureSeconds = 10
	MinCaptureSeconds     = 1
	MaxCaptureSeconds     = 60
)

// Browser is the set of tab operations the service drives.
type Browser interface {
	ListTabs(ctx context.Context) ([]cdpcontrol.Tab, error)
	Available(ctx context.Context) bool
	ExecuteScript(ctx context.Context, tabID, script string) (cdpcontrol.ScriptResult, error)
	CaptureScreenshot(ctx context.Context, tabID string, opts cdpcontrol.ScreenshotOptions) ([]byte, error)
	CaptureNetwork(ctx context.Context, tabID string, opts cdpcontrol.NetworkCaptureOptions) ([]capture.NetworkEvent, error)
	LoadURL(ctx context.Context, tabID, rawURL string) (string, error)
	QueryElements(ctx context.Context, tabID, selector string) ([]cdpcontrol.DOMElement, error)
	ClickElement(ctx context.Context, tabID, selector string) (cdpcontrol.ClickResult, error)
}

// Archive receives records for the JSONL archive.
type Archive interface {
	Write(record any) error
}

// processImage is swapped in tests.
var processImage = imageproc.Process

// Service validates requests and orchestrates the browser client, the image
// ladder, the screenshot store and the console registry.
type Service struct {
	browser    Browser
	console    *consolelog.Registry
	snaps      *snapshot.Store
	netArchive Archive
	browserURL string
}

type Option func(*Service)

// WithSnapshots saves every processed screenshot into store.
func WithSnapshots(store *snapshot.Store) Option {
	return func(s *Service) { s.snaps = store }
}

// WithNetworkArchive appends captured network events to a.
func WithNetworkArchive(a Archive) Option {
	return func(s *Service) { s.netArchive = a }
}

// WithBrowserURL sets the endpoint reported by Health.
func WithBrowserURL(u string) Option {
	return func(s *Service) { s.browserURL = u }
}

func NewService(browser Browser, console *consolelog.Registry, opts ...Option) *Service {
	s := &Service{browser: browser, console: console}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func validationError(format string, args ...any) error {
	return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// HealthStatus reports whether the debugging endpoint answers.
type HealthStatus struct {
	Status           string `json:"status"`
	BrowserURL       string `json:"browser_url,omitempty"`
	BrowserAvailable bool   `json:"browser_available"`
	ConsoleTabs      int    `json:"console_tabs"`
}

func (s *Service) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{
		Status:           "ok",
		BrowserURL:       s.browserURL,
		BrowserAvailable: s.browser.Available(ctx),
	}
	if s.console != nil {
		h.ConsoleTabs = len(s.console.Tabs())
	}
	if !h.BrowserAvailable {
		h.Status = "degraded"
	}
	return h
}

func (s *Service) ListTabs(ctx context.Context) ([]cdpcontrol.Tab, error) {
	return s.browser.ListTabs(ctx)
}

func (s *Service) ExecuteScript(ctx context.Context, tabID, script string) (cdpcontrol.ScriptResult, error) {
	if err := s.requireNonEmpty(tabID, "tabId"); err != nil {
		return cdpcontrol.ScriptResult{}, err
	}
	if err := s.requireNonEmpty(script, "script"); err != nil {
		return cdpcontrol.ScriptResult{}, err
	}
	return s.browser.ExecuteScript(ctx, strings.TrimSpace(tabID), script)
}

// ScreenshotRequest carries the optional capture_screenshot inputs. Zero
// values select png, quality 80 for jpeg, viewport only.
type ScreenshotRequest struct {
	Format   string
	Quality  int
	FullPage bool
}

// Screenshot is a processed capture, plus its stored metadata when saving is
// enabled and succeeded.
type Screenshot struct {
	Image    *imageproc.Result
	Snapshot *snapshot.SnapshotMeta
}

func (s *Service) CaptureScreenshot(ctx context.Context, tabID string, req ScreenshotRequest) (Screenshot, error) {
	if err := s.requireNonEmpty(tabID, "tabId"); err != nil {
		return Screenshot{}, err
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	switch format {
	case "":
		format = "png"
	case "png", "jpeg":
	default:
		return Screenshot{}, validationError("format must be \"png\" or \"jpeg\"")
	}
	quality := req.Quality
	if quality == 0 && format == "jpeg" {
		quality = 80
	}
	if quality != 0 && (quality < 1 || quality > 100) {
		return Screenshot{}, validationError("quality must be between 1 and 100, got %d", req.Quality)
	}

	raw, err := s.browser.CaptureScreenshot(ctx, strings.TrimSpace(tabID), cdpcontrol.ScreenshotOptions{
		Format:   format,
		Quality:  quality,
		FullPage: req.FullPage,
	})
	if err != nil {
		return Screenshot{}, err
	}

	img, err := processImage(raw)
	if err != nil {
		if errors.Is(err, imageproc.ErrTooLarge) {
			return Screenshot{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeImageTooLarge, Message: imageproc.ErrTooLarge.Error(), Cause: err}
		}
		return Screenshot{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeProtocolFailure, Message: "screenshot post-processing failed", Cause: err}
	}
	slog.Debug("controller screenshot processed",
		"tab_id", tabID,
		"raw_bytes", len(raw),
		"format", img.Format,
		"size", img.Size,
	)

	out := Screenshot{Image: img}
	if s.snaps != nil {
		meta, err := s.snaps.Create(strings.TrimSpace(tabID), img.Format, img.Width, img.Height, img.Bytes)
		if err != nil {
			slog.Warn("controller screenshot save failed", "tab_id", tabID, "dir", s.snaps.Dir(), "error", err)
		} else {
			out.Snapshot = &meta
		}
	}
	return out, nil
}

// NetworkRequest carries the capture_network_events inputs. Duration is in
// seconds; zero selects the default.
type NetworkRequest struct {
	Duration   int
	Types      []string
	URLPattern string
}

// ClampDuration applies the default and the [1, 60] bounds.
func ClampDuration(seconds int) int {
	switch {
	case seconds == 0:
		return DefaultCaptureSeconds
	case seconds < MinCaptureSeconds:
		return MinCaptureSeconds
	case seconds > MaxCaptureSeconds:
		return MaxCaptureSeconds
	}
	return seconds
}

// NetworkRecord is the archived form of a captured event.
type NetworkRecord struct {
	TabID string `json:"tab_id"`
	capture.NetworkEvent
}

func (s *Service) CaptureNetworkEvents(ctx context.Context, tabID string, req NetworkRequest) ([]capture.NetworkEvent, error) {
	if err := s.requireNonEmpty(tabID, "tabId"); err != nil {
		return nil, err
	}
	seconds := ClampDuration(req.Duration)
	if seconds != req.Duration && req.Duration != 0 {
		slog.Debug("controller capture duration clamped", "requested", req.Duration, "used", seconds)
	}

	events, err := s.browser.CaptureNetwork(ctx, strings.TrimSpace(tabID), cdpcontrol.NetworkCaptureOptions{
		Duration:   time.Duration(seconds) * time.Second,
		Types:      req.Types,
		URLPattern: req.URLPattern,
	})
	if events == nil && err == nil {
		events = []capture.NetworkEvent{}
	}
	if s.netArchive != nil {
		for _, ev := range events {
			if werr := s.netArchive.Write(NetworkRecord{TabID: tabID, NetworkEvent: ev}); werr != nil {
				slog.Debug("controller network archive write failed", "tab_id", tabID, "error", werr)
			}
		}
	}
	return events, err
}

func (s *Service) LoadURL(ctx context.Context, tabID, rawURL string) (string, error) {
	if err := s.requireNonEmpty(tabID, "tabId"); err != nil {
		return "", err
	}
	if err := s.requireNonEmpty(rawURL, "url"); err != nil {
		return "", err
	}
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return "", validationError("url must be absolute (e.g. https://example.com), got %q", rawURL)
	}
	return s.browser.LoadURL(ctx, strings.TrimSpace(tabID), rawURL)
}

func (s *Service) QueryDOMElements(ctx context.Context, tabID, selector string) ([]cdpcontrol.DOMElement, error) {
	if err := s.requireNonEmpty(tabID, "tabId"); err != nil {
		return nil, err
	}
	if err := s.requireNonEmpty(selector, "selector"); err != nil {
		return nil, err
	}
	return s.browser.QueryElements(ctx, strings.TrimSpace(tabID), selector)
}

func (s *Service) ClickElement(ctx context.Context, tabID, selector string) (cdpcontrol.ClickResult, error) {
	if err := s.requireNonEmpty(tabID, "tabId"); err != nil {
		return cdpcontrol.ClickResult{}, err
	}
	if err := s.requireNonEmpty(selector, "selector"); err != nil {
		return cdpcontrol.ClickResult{}, err
	}
	return s.browser.ClickElement(ctx, strings.TrimSpace(tabID), selector)
}

// --- Console methods ---

// ConsoleLogs returns the buffered console entries for a tab, oldest first.
// Tabs never loaded through LoadURL have an empty buffer.
func (s *Service) ConsoleLogs(_ context.Context, tabID string) ([]consolelog.Entry, error) {
	if err := s.requireNonEmpty(tabID, "tabId"); err != nil {
		return nil, err
	}
	if s.console == nil {
		return []consolelog.Entry{}, nil
	}
	return s.console.Entries(strings.TrimSpace(tabID)), nil
}

// SubscribeConsole streams live entries for tabID ("" for all tabs).
func (s *Service) SubscribeConsole(tabID string) (int64, <-chan consolelog.Entry) {
	return s.console.Broker().Subscribe(strings.TrimSpace(tabID))
}

func (s *Service) UnsubscribeConsole(id int64) {
	s.console.Broker().Unsubscribe(id)
}

// --- Snapshot methods ---

func (s *Service) snapshotError(err error) error {
	if errors.Is(err, snapshot.ErrNotFound) {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeSnapshotNotFound, Message: err.Error()}
	}
	if errors.Is(err, snapshot.ErrInvalidID) {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: err.Error()}
	}
	return err
}

func (s *Service) ListSnapshots(_ context.Context) ([]snapshot.SnapshotMeta, error) {
	if s.snaps == nil {
		return []snapshot.SnapshotMeta{}, nil
	}
	return s.snaps.List()
}

func (s *Service) GetSnapshot(_ context.Context, id string) (snapshot.SnapshotMeta, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return snapshot.SnapshotMeta{}, err
	}
	if s.snaps == nil {
		return snapshot.SnapshotMeta{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeSnapshotNotFound, Message: "screenshot saving is disabled"}
	}
	meta, err := s.snaps.Get(strings.TrimSpace(id))
	if err != nil {
		return snapshot.SnapshotMeta{}, s.snapshotError(err)
	}
	return meta, nil
}

func (s *Service) ReadSnapshotImage(_ context.Context, id string) ([]byte, string, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return nil, "", err
	}
	if s.snaps == nil {
		return nil, "", &cdpcontrol.CodedError{Code: cdpcontrol.CodeSnapshotNotFound, Message: "screenshot saving is disabled"}
	}
	data, format, err := s.snaps.ReadImage(strings.TrimSpace(id))
	if err != nil {
		return nil, "", s.snapshotError(err)
	}
	return data, format, nil
}

func (s *Service) DeleteSnapshot(_ context.Context, id string) error {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return err
	}
	if s.snaps == nil {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeSnapshotNotFound, Message: "screenshot saving is disabled"}
	}
	if err := s.snaps.Delete(strings.TrimSpace(id)); err != nil {
		return s.snapshotError(err)
	}
	return nil
}
