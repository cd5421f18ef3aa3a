package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/browser_agent/internal/capture"
	"github.com/dgnsrekt/browser_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
	"github.com/dgnsrekt/browser_agent/internal/controller"
	"github.com/dgnsrekt/browser_agent/internal/imageproc"
	"github.com/dgnsrekt/browser_agent/internal/snapshot"
)

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []cdpcontrol.Tab `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List browser tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type scriptOutput struct {
		Body cdpcontrol.ScriptResult
	}
	huma.Register(api, huma.Operation{OperationID: "execute-script", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/script", Summary: "Evaluate JavaScript in a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  struct {
				Script string `json:"script" minLength:"1" doc:"JavaScript expression or statements"`
			}
		}) (*scriptOutput, error) {
			result, err := svc.ExecuteScript(ctx, input.TabID, input.Body.Script)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &scriptOutput{}
			out.Body = result
			return out, nil
		})

	type screenshotOutput struct {
		Body struct {
			Image    *imageproc.Result      `json:"image"`
			Snapshot *snapshot.SnapshotMeta `json:"snapshot,omitempty"`
			URL      string                 `json:"url,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "capture-screenshot", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/screenshot", Summary: "Capture a tab screenshot", Description: "The image is fitted to 900x600 and re-encoded until it is at most 1 MiB.", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  struct {
				Format   string `json:"format,omitempty" enum:"png,jpeg" doc:"Capture format: png (default) or jpeg"`
				Quality  int    `json:"quality,omitempty" minimum:"1" maximum:"100" doc:"JPEG quality 1-100 (ignored for PNG)"`
				FullPage bool   `json:"full_page,omitempty" doc:"Capture full scrollable page"`
			}
		}) (*screenshotOutput, error) {
			shot, err := svc.CaptureScreenshot(ctx, input.TabID, controller.ScreenshotRequest{
				Format:   input.Body.Format,
				Quality:  input.Body.Quality,
				FullPage: input.Body.FullPage,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &screenshotOutput{}
			out.Body.Image = shot.Image
			out.Body.Snapshot = shot.Snapshot
			if shot.Snapshot != nil {
				out.Body.URL = "/api/v1/snapshots/" + shot.Snapshot.ID + "/image"
			}
			return out, nil
		})

	type networkOutput struct {
		Body struct {
			Events []capture.NetworkEvent `json:"events"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "capture-network", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/network", Summary: "Capture xhr/fetch traffic for a fixed window", Description: "Blocks for the whole window. Duration defaults to 10 seconds and is clamped to 1..60.", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  struct {
				Duration int `json:"duration,omitempty" doc:"Capture window in seconds"`
				Filters  struct {
					Types      []string `json:"types,omitempty" enum:"xhr,fetch" doc:"Request kinds to keep"`
					URLPattern string   `json:"url_pattern,omitempty" doc:"Substring or regular expression the URL must match"`
				} `json:"filters,omitempty"`
			}
		}) (*networkOutput, error) {
			events, err := svc.CaptureNetworkEvents(ctx, input.TabID, controller.NetworkRequest{
				Duration:   input.Body.Duration,
				Types:      input.Body.Filters.Types,
				URLPattern: input.Body.Filters.URLPattern,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &networkOutput{}
			out.Body.Events = events
			return out, nil
		})

	type navigateOutput struct {
		Body struct {
			TabID   string `json:"tab_id"`
			Message string `json:"message"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "navigate", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/navigate", Summary: "Load a URL in a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  struct {
				URL string `json:"url" minLength:"1" doc:"Absolute URL"`
			}
		}) (*navigateOutput, error) {
			msg, err := svc.LoadURL(ctx, input.TabID, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &navigateOutput{}
			out.Body.TabID = input.TabID
			out.Body.Message = msg
			return out, nil
		})

	type selectorBody struct {
		Selector string `json:"selector" minLength:"1" doc:"Standard CSS selector"`
	}
	type queryOutput struct {
		Body struct {
			Elements []cdpcontrol.DOMElement `json:"elements"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "query-elements", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/query", Summary: "Describe elements matching a selector", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  selectorBody
		}) (*queryOutput, error) {
			elements, err := svc.QueryDOMElements(ctx, input.TabID, input.Body.Selector)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &queryOutput{}
			out.Body.Elements = elements
			return out, nil
		})

	type clickOutput struct {
		Body cdpcontrol.ClickResult
	}
	huma.Register(api, huma.Operation{OperationID: "click-element", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/click", Summary: "Click the first element matching a selector", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  selectorBody
		}) (*clickOutput, error) {
			result, err := svc.ClickElement(ctx, input.TabID, input.Body.Selector)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &clickOutput{}
			out.Body = result
			return out, nil
		})

	type consoleOutput struct {
		Body struct {
			Entries []consolelog.Entry `json:"entries"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "console-logs", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/console", Summary: "Buffered console entries since the last navigate", Tags: []string{"Console"}},
		func(ctx context.Context, input *tabIDInput) (*consoleOutput, error) {
			entries, err := svc.ConsoleLogs(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &consoleOutput{}
			out.Body.Entries = entries
			return out, nil
		})
}
