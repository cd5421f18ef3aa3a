package cdpcontrol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
)

// consoleCollector accumulates formatted console lines for one call.
type consoleCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *consoleCollector) handle(ev any) {
	e, ok := ev.(*runtime.EventConsoleAPICalled)
	if !ok {
		return
	}
	line := formatConsoleLine(e)
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *consoleCollector) reset() {
	c.mu.Lock()
	c.lines = nil
	c.mu.Unlock()
}

func (c *consoleCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// ExecuteScript evaluates script in the tab and returns its result together
// with any console output produced while it ran.
func (c *Client) ExecuteScript(ctx context.Context, tabID, script string) (ScriptResult, error) {
	s, err := c.openTab(ctx, tabID)
	if err != nil {
		return ScriptResult{}, err
	}
	defer c.closeSession(s)

	start := time.Now()
	collector := &consoleCollector{}
	unlisten := s.listen(cdproto.EventRuntimeConsoleAPICalled, collector.handle)
	defer unlisten()

	if err := runtime.Enable().Do(s.ctx(ctx)); err != nil {
		return ScriptResult{}, protocolError("Runtime.enable", err)
	}
	// Runtime.enable replays earlier console messages ahead of its response.
	collector.reset()

	obj, exc, err := runtime.Evaluate(script).
		WithReturnByValue(false).
		WithIncludeCommandLineAPI(true).
		Do(s.ctx(ctx))
	if err != nil {
		return ScriptResult{}, protocolError("Runtime.evaluate", err)
	}
	if exc != nil {
		slog.Debug("cdpcontrol script threw", "tab_id", tabID, "error", exceptionMessage(exc))
		return ScriptResult{}, newError(CodeEvalFailure, exceptionMessage(exc), nil)
	}

	result := ScriptResult{
		Result:        toRemoteValue(obj),
		ConsoleOutput: collector.snapshot(),
	}
	slog.Debug("cdpcontrol script executed",
		"tab_id", tabID,
		"result_type", result.Result.Type,
		"console_lines", len(result.ConsoleOutput),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}
