package cdpcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
)

// fullPageWidth is the viewport width used while rendering a full-page capture.
const fullPageWidth = 1280

// CaptureScreenshot returns the raw encoded bytes produced by the browser.
func (c *Client) CaptureScreenshot(ctx context.Context, tabID string, opts ScreenshotOptions) ([]byte, error) {
	format, err := screenshotFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	s, err := c.openTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	defer c.closeSession(s)

	if err := page.Enable().Do(s.ctx(ctx)); err != nil {
		return nil, protocolError("Page.enable", err)
	}

	if opts.FullPage {
		height, err := documentHeight(s.ctx(ctx))
		if err != nil {
			return nil, err
		}
		if err := emulation.SetDeviceMetricsOverride(fullPageWidth, height, 1, false).Do(s.ctx(ctx)); err != nil {
			return nil, protocolError("Emulation.setDeviceMetricsOverride", err)
		}
		defer clearDeviceMetrics(ctx, s)
	}

	params := page.CaptureScreenshot().
		WithFormat(format).
		WithFromSurface(true).
		WithCaptureBeyondViewport(opts.FullPage)
	if format == page.CaptureScreenshotFormatJpeg && opts.Quality > 0 {
		params = params.WithQuality(int64(opts.Quality))
	}
	buf, err := params.Do(s.ctx(ctx))
	if err != nil {
		return nil, protocolError("Page.captureScreenshot", err)
	}
	slog.Debug("cdpcontrol screenshot captured",
		"tab_id", tabID,
		"format", string(format),
		"full_page", opts.FullPage,
		"bytes", len(buf),
	)
	return buf, nil
}

func screenshotFormat(f string) (page.CaptureScreenshotFormat, error) {
	switch f {
	case "", "png":
		return page.CaptureScreenshotFormatPng, nil
	case "jpeg", "jpg":
		return page.CaptureScreenshotFormatJpeg, nil
	default:
		return "", newError(CodeValidation, fmt.Sprintf("unsupported screenshot format %q (want png or jpeg)", f), nil)
	}
}

// documentHeight measures the document element's content height in CSS px.
func documentHeight(ctx context.Context) (int64, error) {
	root, err := dom.GetDocument().Do(ctx)
	if err != nil {
		return 0, protocolError("DOM.getDocument", err)
	}
	nodeID, err := dom.QuerySelector(root.NodeID, "html").Do(ctx)
	if err != nil {
		return 0, protocolError("DOM.querySelector", err)
	}
	if nodeID == 0 {
		nodeID = root.NodeID
	}
	box, err := dom.GetBoxModel().WithNodeID(nodeID).Do(ctx)
	if err != nil {
		return 0, protocolError("DOM.getBoxModel", err)
	}
	height := box.Height
	if len(box.Content) == 8 {
		if h := int64(math.Ceil(box.Content[5] - box.Content[1])); h > height {
			height = h
		}
	}
	if height < 1 {
		height = 1
	}
	return height, nil
}

// clearDeviceMetrics runs even when ctx is already cancelled so a failed
// capture never leaves the tab with an emulated viewport.
func clearDeviceMetrics(ctx context.Context, s *rawSession) {
	cleanupCtx, cancel := context.WithTimeout(s.ctx(context.WithoutCancel(ctx)), 5*time.Second)
	defer cancel()
	if err := emulation.ClearDeviceMetricsOverride().Do(cleanupCtx); err != nil {
		slog.Warn("cdpcontrol clear device metrics failed", "target_id", s.targetID, "error", err)
	}
}
