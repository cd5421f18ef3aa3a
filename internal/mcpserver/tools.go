package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dgnsrekt/browser_agent/internal/capture"
	"github.com/dgnsrekt/browser_agent/internal/controller"
)

type listTabsInput struct{}

type scriptInput struct {
	TabID  string `json:"tabId" jsonschema:"Tab identifier from list_tabs"`
	Script string `json:"script" jsonschema:"JavaScript to evaluate in the page"`
}

type screenshotInput struct {
	TabID    string `json:"tabId" jsonschema:"Tab identifier from list_tabs"`
	Format   string `json:"format,omitempty" jsonschema:"Image format requested from the browser"`
	Quality  int    `json:"quality,omitempty" jsonschema:"JPEG quality between 1 and 100"`
	FullPage bool   `json:"fullPage,omitempty" jsonschema:"Capture the whole scrollable page instead of the viewport"`
}

type networkFilters struct {
	Types      []string `json:"types,omitempty" jsonschema:"Request kinds to keep"`
	URLPattern string   `json:"urlPattern,omitempty" jsonschema:"Substring or regular expression the request URL must match"`
}

type networkInput struct {
	TabID    string         `json:"tabId" jsonschema:"Tab identifier from list_tabs"`
	Duration int            `json:"duration,omitempty" jsonschema:"Capture window in seconds, clamped to 1..60"`
	Filters  networkFilters `json:"filters,omitempty"`
}

type loadURLInput struct {
	TabID string `json:"tabId" jsonschema:"Tab identifier from list_tabs"`
	URL   string `json:"url" jsonschema:"Absolute URL to navigate to"`
}

type selectorInput struct {
	TabID    string `json:"tabId" jsonschema:"Tab identifier from list_tabs"`
	Selector string `json:"selector" jsonschema:"Standard CSS selector"`
}

type consoleInput struct {
	TabID string `json:"tabId" jsonschema:"Tab identifier from list_tabs"`
}

// screenshotOutput is the metadata block sent next to the image.
type screenshotOutput struct {
	Format     string `json:"format"`
	Size       int    `json:"size"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Path       string `json:"path,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
}

func schemaFor[T any]() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("schema for %T: %w", *new(T), err)
	}
	return s, nil
}

func screenshotSchema() (*jsonschema.Schema, error) {
	s, err := schemaFor[screenshotInput]()
	if err != nil {
		return nil, err
	}
	s.Properties["format"].Enum = []any{"png", "jpeg"}
	s.Properties["format"].Default = json.RawMessage(`"png"`)
	s.Properties["quality"].Minimum = jsonschema.Ptr(1.0)
	s.Properties["quality"].Maximum = jsonschema.Ptr(100.0)
	return s, nil
}

// networkSchema leaves duration unbounded so out-of-range values are clamped
// by the service rather than rejected.
func networkSchema() (*jsonschema.Schema, error) {
	s, err := schemaFor[networkInput]()
	if err != nil {
		return nil, err
	}
	s.Properties["duration"].Default = json.RawMessage(fmt.Sprint(controller.DefaultCaptureSeconds))
	filters := s.Properties["filters"]
	filters.Description = "Optional request filters"
	filters.Properties["types"].Items.Enum = []any{capture.TypeXHR, capture.TypeFetch}
	return s, nil
}

func registerTools(server *mcp.Server, tools Tools) error {
	shotSchema, err := screenshotSchema()
	if err != nil {
		return err
	}
	netSchema, err := networkSchema()
	if err != nil {
		return err
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tabs",
		Description: "List every target the browser debugging endpoint reports (id, title, url, type).",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, logged("list_tabs", func(ctx context.Context, _ *mcp.CallToolRequest, _ listTabsInput) (*mcp.CallToolResult, any, error) {
		tabs, err := tools.ListTabs(ctx)
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(tabs)
		return res, nil, err
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name: "execute_script",
		Description: `Evaluate JavaScript in a tab and return the resulting remote object plus any console output produced during evaluation.
Example: execute_script {tabId: "A1", script: "document.title"}`,
	}, logged("execute_script", func(ctx context.Context, _ *mcp.CallToolRequest, in scriptInput) (*mcp.CallToolResult, any, error) {
		out, err := tools.ExecuteScript(ctx, in.TabID, in.Script)
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(out)
		return res, nil, err
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name: "capture_screenshot",
		Description: `Capture a tab as an image. The result is shrunk to fit 900x600 and 1 MiB, usually as WebP.
Example: capture_screenshot {tabId: "A1", fullPage: true}`,
		InputSchema: shotSchema,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, logged("capture_screenshot", func(ctx context.Context, _ *mcp.CallToolRequest, in screenshotInput) (*mcp.CallToolResult, any, error) {
		shot, err := tools.CaptureScreenshot(ctx, in.TabID, controller.ScreenshotRequest{
			Format:   in.Format,
			Quality:  in.Quality,
			FullPage: in.FullPage,
		})
		if err != nil {
			return nil, nil, err
		}
		meta := screenshotOutput{
			Format: shot.Image.Format,
			Size:   shot.Image.Size,
			Width:  shot.Image.Width,
			Height: shot.Image.Height,
		}
		if shot.Snapshot != nil {
			meta.Path = shot.Snapshot.Path
			meta.SnapshotID = shot.Snapshot.ID
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, nil, fmt.Errorf("encode result: %w", err)
		}
		return &mcp.CallToolResult{Content: []mcp.Content{
			&mcp.ImageContent{Data: shot.Image.Bytes, MIMEType: shot.Image.MIMEType()},
			&mcp.TextContent{Text: string(b)},
		}}, nil, nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name: "capture_network_events",
		Description: `Record xhr/fetch requests made by a tab for a fixed window (default 10s, 1..60) and return the completed request/response pairs.
Example: capture_network_events {tabId: "A1", duration: 5, filters: {types: ["fetch"], urlPattern: "/api/"}}`,
		InputSchema: netSchema,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, logged("capture_network_events", func(ctx context.Context, _ *mcp.CallToolRequest, in networkInput) (*mcp.CallToolResult, any, error) {
		events, err := tools.CaptureNetworkEvents(ctx, in.TabID, controller.NetworkRequest{
			Duration:   in.Duration,
			Types:      in.Filters.Types,
			URLPattern: in.Filters.URLPattern,
		})
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(events)
		return res, nil, err
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "load_url",
		Description: "Navigate a tab to a URL and wait for the load event. Console output from the page is buffered afterwards; read it with get_console_logs.",
	}, logged("load_url", func(ctx context.Context, _ *mcp.CallToolRequest, in loadURLInput) (*mcp.CallToolResult, any, error) {
		msg, err := tools.LoadURL(ctx, in.TabID, in.URL)
		if err != nil {
			return nil, nil, err
		}
		return textResult(msg), nil, nil
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name: "query_dom_elements",
		Description: `Describe every element matching a standard CSS selector: tag, text, attributes, bounding box, visibility and aria attributes.
jQuery extensions such as :contains() are not supported.`,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, logged("query_dom_elements", func(ctx context.Context, _ *mcp.CallToolRequest, in selectorInput) (*mcp.CallToolResult, any, error) {
		elements, err := tools.QueryDOMElements(ctx, in.TabID, in.Selector)
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(elements)
		return res, nil, err
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "click_element",
		Description: "Click the centre of the first element matching a CSS selector and report console output logged within a second of the click.",
	}, logged("click_element", func(ctx context.Context, _ *mcp.CallToolRequest, in selectorInput) (*mcp.CallToolResult, any, error) {
		out, err := tools.ClickElement(ctx, in.TabID, in.Selector)
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(out)
		return res, nil, err
	}))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_console_logs",
		Description: "Return console entries buffered for a tab since its last load_url, oldest first.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, logged("get_console_logs", func(ctx context.Context, _ *mcp.CallToolRequest, in consoleInput) (*mcp.CallToolResult, any, error) {
		entries, err := tools.ConsoleLogs(ctx, in.TabID)
		if err != nil {
			return nil, nil, err
		}
		res, err := jsonResult(entries)
		return res, nil, err
	}))

	return nil
}
