package cdpcontrol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/browser_agent/internal/config"
)

// ClickElement clicks the first element matching selector at the centre of
// its content box, then waits briefly for console output caused by the click.
func (c *Client) ClickElement(ctx context.Context, tabID, selector string) (ClickResult, error) {
	if selector == "" {
		return ClickResult{}, newError(CodeValidation, "selector is required", nil)
	}
	s, err := c.openTab(ctx, tabID)
	if err != nil {
		return ClickResult{}, err
	}
	defer c.closeSession(s)

	console := make(chan string, 64)
	defer s.listen(cdproto.EventRuntimeConsoleAPICalled, func(ev any) {
		e, ok := ev.(*runtime.EventConsoleAPICalled)
		if !ok {
			return
		}
		select {
		case console <- formatConsoleLine(e):
		default:
		}
	})()

	if err := runtime.Enable().Do(s.ctx(ctx)); err != nil {
		return ClickResult{}, protocolError("Runtime.enable", err)
	}
	if err := dom.Enable().Do(s.ctx(ctx)); err != nil {
		return ClickResult{}, protocolError("DOM.enable", err)
	}
	// Runtime.enable replays earlier console messages; they predate the click.
	drainLines(console)

	root, err := dom.GetDocument().Do(s.ctx(ctx))
	if err != nil {
		return ClickResult{}, protocolError("DOM.getDocument", err)
	}
	nodeID, err := dom.QuerySelector(root.NodeID, selector).Do(s.ctx(ctx))
	if err != nil {
		return ClickResult{}, newError(CodeProtocolFailure, fmt.Sprintf("query %q failed. %s", selector, containsHint), err)
	}
	if nodeID == 0 {
		return ClickResult{}, newError(CodeElementNotFound, fmt.Sprintf("no element found matching selector %q", selector), nil)
	}
	box, err := dom.GetBoxModel().WithNodeID(nodeID).Do(s.ctx(ctx))
	if err != nil {
		return ClickResult{}, newError(CodeElementNotFound, fmt.Sprintf("element matching %q has no layout box", selector), err)
	}
	x, y, ok := quadCenter(box.Content)
	if !ok {
		return ClickResult{}, newError(CodeElementNotFound, fmt.Sprintf("element matching %q has no layout box", selector), nil)
	}

	if c.clickMode == config.ClickModeNative {
		err = dispatchNativeClick(s.ctx(ctx), x, y)
	} else {
		err = dispatchScriptClick(s.ctx(ctx), x, y, selector)
	}
	if err != nil {
		return ClickResult{}, err
	}

	var lines []string
	timer := time.NewTimer(c.clickWait)
	defer timer.Stop()
	select {
	case line := <-console:
		lines = append(lines, line)
	case <-timer.C:
	case <-ctx.Done():
		return ClickResult{}, ctx.Err()
	}
	lines = append(lines, drainLines(console)...)
	if lines == nil {
		lines = []string{}
	}

	slog.Debug("cdpcontrol click",
		"tab_id", tabID,
		"selector", selector,
		"mode", c.clickMode,
		"x", x,
		"y", y,
		"console_lines", len(lines),
	)
	return ClickResult{
		Message:       fmt.Sprintf("Clicked element matching %q at (%.0f, %.0f)", selector, x, y),
		ConsoleOutput: lines,
	}, nil
}

func dispatchScriptClick(ctx context.Context, x, y float64, selector string) error {
	res, exc, err := runtime.Evaluate(clickExpression(x, y, selector)).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return protocolError("Runtime.evaluate", err)
	}
	if exc != nil {
		return newError(CodeEvalFailure, exceptionMessage(exc), nil)
	}
	if res == nil {
		return newError(CodeEvalFailure, "click script returned no value", nil)
	}
	if _, err := decodeJSOutcome(res.Value); err != nil {
		return err
	}
	return nil
}

func dispatchNativeClick(ctx context.Context, x, y float64) error {
	for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
		if err := input.DispatchMouseEvent(typ, x, y).
			WithButton(input.Left).
			WithClickCount(1).
			Do(ctx); err != nil {
			return protocolError("Input.dispatchMouseEvent", err)
		}
	}
	return nil
}

func drainLines(ch <-chan string) []string {
	var out []string
	for {
		select {
		case line := <-ch:
			out = append(out, line)
		default:
			return out
		}
	}
}
