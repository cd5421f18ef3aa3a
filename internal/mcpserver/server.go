// Package mcpserver exposes the tab operations as Model Context Protocol
// tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dgnsrekt/browser_agent/internal/capture"
	"github.com/dgnsrekt/browser_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
	"github.com/dgnsrekt/browser_agent/internal/controller"
)

const ServerName = "browser_agent"

// Tools is the part of controller.Service the tool handlers call.
type Tools interface {
	ListTabs(ctx context.Context) ([]cdpcontrol.Tab, error)
	ExecuteScript(ctx context.Context, tabID, script string) (cdpcontrol.ScriptResult, error)
	CaptureScreenshot(ctx context.Context, tabID string, req controller.ScreenshotRequest) (controller.Screenshot, error)
	CaptureNetworkEvents(ctx context.Context, tabID string, req controller.NetworkRequest) ([]capture.NetworkEvent, error)
	LoadURL(ctx context.Context, tabID, rawURL string) (string, error)
	QueryDOMElements(ctx context.Context, tabID, selector string) ([]cdpcontrol.DOMElement, error)
	ClickElement(ctx context.Context, tabID, selector string) (cdpcontrol.ClickResult, error)
	ConsoleLogs(ctx context.Context, tabID string) ([]consolelog.Entry, error)
}

// New builds an MCP server with every browser tool registered.
func New(tools Tools, version string) (*mcp.Server, error) {
	server := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)
	if err := registerTools(server, tools); err != nil {
		return nil, err
	}
	return server, nil
}

// Run serves tools over stdin/stdout until ctx is cancelled or the client
// disconnects. Nothing else may write to stdout while it runs.
func Run(ctx context.Context, tools Tools, version string) error {
	server, err := New(tools, version)
	if err != nil {
		return err
	}
	slog.Info("mcp server listening on stdio", "name", ServerName, "version", version)
	return server.Run(ctx, &mcp.StdioTransport{})
}

// logged wraps a handler with a timing log line and tool-prefixed errors.
func logged[In any](name string, h mcp.ToolHandlerFor[In, any]) mcp.ToolHandlerFor[In, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		start := time.Now()
		res, out, err := h(ctx, req, in)
		if err != nil {
			slog.Warn("mcp tool failed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return nil, nil, fmt.Errorf("%s failed: %w", name, err)
		}
		slog.Debug("mcp tool completed", "tool", name, "duration_ms", time.Since(start).Milliseconds())
		return res, out, nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return textResult(string(b)), nil
}
