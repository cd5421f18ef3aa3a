package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/browser_agent/internal/capture"
	"github.com/dgnsrekt/browser_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
	"github.com/dgnsrekt/browser_agent/internal/controller"
	"github.com/dgnsrekt/browser_agent/internal/snapshot"
)

type Service interface {
	Health(ctx context.Context) controller.HealthStatus
	ListTabs(ctx context.Context) ([]cdpcontrol.Tab, error)
	ExecuteScript(ctx context.Context, tabID, script string) (cdpcontrol.ScriptResult, error)
	CaptureScreenshot(ctx context.Context, tabID string, req controller.ScreenshotRequest) (controller.Screenshot, error)
	CaptureNetworkEvents(ctx context.Context, tabID string, req controller.NetworkRequest) ([]capture.NetworkEvent, error)
	LoadURL(ctx context.Context, tabID, rawURL string) (string, error)
	QueryDOMElements(ctx context.Context, tabID, selector string) ([]cdpcontrol.DOMElement, error)
	ClickElement(ctx context.Context, tabID, selector string) (cdpcontrol.ClickResult, error)
	ConsoleLogs(ctx context.Context, tabID string) ([]consolelog.Entry, error)
	SubscribeConsole(tabID string) (int64, <-chan consolelog.Entry)
	UnsubscribeConsole(id int64)
	ListSnapshots(ctx context.Context) ([]snapshot.SnapshotMeta, error)
	GetSnapshot(ctx context.Context, id string) (snapshot.SnapshotMeta, error)
	ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"Tab identifier from GET /api/v1/tabs"`
}

const apiTitle = "Browser Agent Controller API"

type options struct {
	version string
}

type Option func(*options)

// WithVersion sets the version reported in the OpenAPI document.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

func NewServer(svc Service, opts ...Option) http.Handler {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig(apiTitle, o.version)
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", docsHandler(apiTitle, o.version))
	router.Get("/api/v1/tabs/{tab_id}/console/stream", consoleStreamHandler(svc))
	router.Get("/api/v1/tabs/{tab_id}/console/events", consoleEventsHandler(svc))
	router.Get("/api/v1/console/stream", consoleStreamHandler(svc))
	router.Get("/api/v1/console/events", consoleEventsHandler(svc))

	registerHealthHandlers(api, svc)
	registerTabHandlers(api, svc)
	registerSnapshotHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabNotFound, cdpcontrol.CodeElementNotFound, cdpcontrol.CodeSnapshotNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		case cdpcontrol.CodeImageTooLarge:
			return huma.NewError(http.StatusRequestEntityTooLarge, coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
