package cdpcontrol

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/browser_agent/internal/capture"
)

// CaptureNetwork listens for request/response pairs for opts.Duration and
// returns the completed ones that pass the filters. Cancelling ctx ends the
// window early; whatever was collected is returned with ctx's error.
func (c *Client) CaptureNetwork(ctx context.Context, tabID string, opts NetworkCaptureOptions) ([]capture.NetworkEvent, error) {
	filter, err := capture.NewFilter(opts.Types, opts.URLPattern)
	if err != nil {
		return nil, newError(CodeValidation, err.Error(), nil)
	}
	if opts.Duration <= 0 {
		return nil, newError(CodeValidation, "duration must be positive", nil)
	}

	s, err := c.openTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	defer c.closeSession(s)

	buffer := c.captureBuffer
	if buffer < 1 {
		buffer = 1
	}
	events := make(chan any, buffer)
	var dropped atomic.Int64
	push := func(ev any) {
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
	}
	defer s.listen(cdproto.EventNetworkRequestWillBeSent, push)()
	defer s.listen(cdproto.EventNetworkResponseReceived, push)()

	if err := network.Enable().Do(s.ctx(ctx)); err != nil {
		return nil, protocolError("Network.enable", err)
	}

	corr := capture.NewCorrelator(filter)
	timer := time.NewTimer(opts.Duration)
	defer timer.Stop()

	var waitErr error
loop:
	for {
		select {
		case ev := <-events:
			corr.Handle(ev)
		case <-timer.C:
			break loop
		case <-s.Done():
			slog.Warn("cdpcontrol network capture ended early; page socket closed", "tab_id", tabID)
			break loop
		case <-ctx.Done():
			waitErr = ctx.Err()
			break loop
		}
	}
	for drained := false; !drained; {
		select {
		case ev := <-events:
			corr.Handle(ev)
		default:
			drained = true
		}
	}

	out := corr.Events()
	slog.Debug("cdpcontrol network capture finished",
		"tab_id", tabID,
		"events", len(out),
		"pending", corr.Pending(),
		"dropped", dropped.Load(),
		"duration_ms", opts.Duration.Milliseconds(),
	)
	if dropped.Load() > 0 {
		slog.Warn("cdpcontrol network capture dropped events", "tab_id", tabID, "dropped", dropped.Load(), "buffer", buffer)
	}
	return out, waitErr
}
