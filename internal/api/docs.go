package api

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
)

// streamRoute describes a push endpoint that the OpenAPI document cannot.
type streamRoute struct {
	Path  string
	Proto string
}

var streamRoutes = []streamRoute{
	{Path: "/api/v1/tabs/{tab_id}/console/stream", Proto: "ws"},
	{Path: "/api/v1/console/stream", Proto: "ws"},
	{Path: "/api/v1/tabs/{tab_id}/console/events", Proto: "sse"},
	{Path: "/api/v1/console/events", Proto: "sse"},
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}} {{.Version}}</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    #streams { position: fixed; bottom: 12px; right: 16px; z-index: 9999; background: #161b22;
      border: 1px solid #30363d; border-radius: 6px; color: #c9d1d9; font: 12px monospace; padding: 6px 12px; }
    #streams b { color: #58a6ff; }
  </style>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <div id="streams">console streams:{{range .Streams}}<br/><b>{{.Proto}}</b> {{.Path}}{{end}}</div>
  <elements-api
    apiDescriptionUrl="{{.SpecURL}}"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
  />
</body>
</html>`))

func docsHandler(title, version string) http.HandlerFunc {
	var page bytes.Buffer
	err := docsTemplate.Execute(&page, map[string]any{
		"Title":   title,
		"Version": version,
		"SpecURL": "/openapi.json",
		"Streams": streamRoutes,
	})
	if err != nil {
		slog.Error("docs template failed", "error", err)
	}
	body := page.Bytes()

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(body); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	}
}
