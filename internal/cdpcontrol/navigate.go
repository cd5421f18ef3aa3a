package cdpcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// LoadURL navigates the tab and waits for the load event. The page session
// stays open afterwards as the tab's console watcher; it is owned by the
// console sink from that point on.
func (c *Client) LoadURL(ctx context.Context, tabID, rawURL string) (string, error) {
	s, err := c.openTab(ctx, tabID)
	if err != nil {
		return "", err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.closeSession(s)
		}
	}()

	loaded := make(chan struct{}, 1)
	unlistenLoad := s.listen(cdproto.EventPageLoadEventFired, func(any) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer unlistenLoad()

	if err := runtime.Enable().Do(s.ctx(ctx)); err != nil {
		return "", protocolError("Runtime.enable", err)
	}
	if err := page.Enable().Do(s.ctx(ctx)); err != nil {
		return "", protocolError("Page.enable", err)
	}

	if c.console != nil {
		// Attach first: it closes the previous page's watcher and clears the
		// buffer under one lock, and AppendFrom drops that watcher's stragglers.
		c.console.Attach(tabID, s)
		s.listen(cdproto.EventRuntimeConsoleAPICalled, func(ev any) {
			if e, ok := ev.(*runtime.EventConsoleAPICalled); ok {
				c.console.AppendFrom(tabID, s, consoleEntry(e))
			}
		})
		handedOff = true
		go func() {
			<-s.Done()
			c.console.Release(tabID, s)
			slog.Debug("cdpcontrol console watcher released", "tab_id", tabID)
		}()
	}

	start := time.Now()
	// Drain anything replayed by Page.enable before navigating.
	select {
	case <-loaded:
	default:
	}
	_, _, errorText, _, err := page.Navigate(rawURL).Do(s.ctx(ctx))
	if err != nil {
		return "", protocolError("Page.navigate", err)
	}
	if errorText != "" {
		return "", newError(CodeProtocolFailure, fmt.Sprintf("navigation to %s failed: %s", rawURL, errorText), nil)
	}

	timer := time.NewTimer(c.navTimeout)
	defer timer.Stop()
	select {
	case <-loaded:
	case <-timer.C:
		return "", newError(CodeProtocolFailure, fmt.Sprintf("timed out after %s waiting for %s to load", c.navTimeout, rawURL), nil)
	case <-s.Done():
		return "", newError(CodeProtocolFailure, "page socket closed during navigation", nil)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	slog.Info("cdpcontrol navigated",
		"tab_id", tabID,
		"url", rawURL,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return fmt.Sprintf("Navigated to %s", rawURL), nil
}
