package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/browser_agent/internal/capture"
	"github.com/dgnsrekt/browser_agent/internal/cdpcontrol"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
	"github.com/dgnsrekt/browser_agent/internal/controller"
	"github.com/dgnsrekt/browser_agent/internal/imageproc"
	"github.com/dgnsrekt/browser_agent/internal/snapshot"
)

type stubService struct {
	mu     sync.Mutex
	calls  []string
	broker *consolelog.Broker

	errs map[string]error
}

func newStubService() *stubService {
	return &stubService{broker: consolelog.NewBroker(), errs: map[string]error{}}
}

func (s *stubService) hit(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	return s.errs[name]
}

func (s *stubService) called(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (s *stubService) Health(context.Context) controller.HealthStatus {
	_ = s.hit("Health")
	return controller.HealthStatus{Status: "degraded", BrowserURL: "http://localhost:9222"}
}

func (s *stubService) ListTabs(context.Context) ([]cdpcontrol.Tab, error) {
	if err := s.hit("ListTabs"); err != nil {
		return nil, err
	}
	return []cdpcontrol.Tab{{ID: "A1", Title: "Example", URL: "https://example.com/", Type: "page"}}, nil
}

func (s *stubService) ExecuteScript(_ context.Context, _, script string) (cdpcontrol.ScriptResult, error) {
	if err := s.hit("ExecuteScript"); err != nil {
		return cdpcontrol.ScriptResult{}, err
	}
	return cdpcontrol.ScriptResult{Result: cdpcontrol.RemoteValue{Type: "string", Value: json.RawMessage(`"` + script + `"`)}, ConsoleOutput: []string{}}, nil
}

func (s *stubService) CaptureScreenshot(context.Context, string, controller.ScreenshotRequest) (controller.Screenshot, error) {
	if err := s.hit("CaptureScreenshot"); err != nil {
		return controller.Screenshot{}, err
	}
	return controller.Screenshot{
		Image:    &imageproc.Result{Data: "data:image/webp;base64,UklGRg==", Format: "webp", Size: 4},
		Snapshot: &snapshot.SnapshotMeta{ID: "0b6c2b4e-8d49-4a4e-9d3f-0f8b7f0b8e11", Format: "webp"},
	}, nil
}

func (s *stubService) CaptureNetworkEvents(context.Context, string, controller.NetworkRequest) ([]capture.NetworkEvent, error) {
	if err := s.hit("CaptureNetworkEvents"); err != nil {
		return nil, err
	}
	return []capture.NetworkEvent{}, nil
}

func (s *stubService) LoadURL(_ context.Context, _, rawURL string) (string, error) {
	if err := s.hit("LoadURL"); err != nil {
		return "", err
	}
	return "Navigated to " + rawURL, nil
}

func (s *stubService) QueryDOMElements(context.Context, string, string) ([]cdpcontrol.DOMElement, error) {
	if err := s.hit("QueryDOMElements"); err != nil {
		return nil, err
	}
	return []cdpcontrol.DOMElement{}, nil
}

func (s *stubService) ClickElement(_ context.Context, _, selector string) (cdpcontrol.ClickResult, error) {
	if err := s.hit("ClickElement"); err != nil {
		return cdpcontrol.ClickResult{}, err
	}
	return cdpcontrol.ClickResult{Message: "Clicked element matching " + selector, ConsoleOutput: []string{}}, nil
}

func (s *stubService) ConsoleLogs(_ context.Context, tabID string) ([]consolelog.Entry, error) {
	if err := s.hit("ConsoleLogs"); err != nil {
		return nil, err
	}
	return []consolelog.Entry{{TabID: tabID, Type: "log", Message: "ready"}}, nil
}

func (s *stubService) SubscribeConsole(tabID string) (int64, <-chan consolelog.Entry) {
	return s.broker.Subscribe(tabID)
}

func (s *stubService) UnsubscribeConsole(id int64) { s.broker.Unsubscribe(id) }

func (s *stubService) ListSnapshots(context.Context) ([]snapshot.SnapshotMeta, error) {
	return nil, s.hit("ListSnapshots")
}

func (s *stubService) GetSnapshot(_ context.Context, id string) (snapshot.SnapshotMeta, error) {
	if err := s.hit("GetSnapshot"); err != nil {
		return snapshot.SnapshotMeta{}, err
	}
	return snapshot.SnapshotMeta{ID: id, Format: "webp"}, nil
}

func (s *stubService) ReadSnapshotImage(context.Context, string) ([]byte, string, error) {
	if err := s.hit("ReadSnapshotImage"); err != nil {
		return nil, "", err
	}
	return []byte("RIFF....WEBP"), "webp", nil
}

func (s *stubService) DeleteSnapshot(context.Context, string) error {
	return s.hit("DeleteSnapshot")
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "bad"}, want: http.StatusBadRequest},
		{name: "tab not found", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeTabNotFound, Message: "gone"}, want: http.StatusNotFound},
		{name: "element not found", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeElementNotFound, Message: "gone"}, want: http.StatusNotFound},
		{name: "snapshot not found", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeSnapshotNotFound, Message: "gone"}, want: http.StatusNotFound},
		{name: "browser down", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: "down"}, want: http.StatusBadGateway},
		{name: "too large", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeImageTooLarge, Message: "big"}, want: http.StatusRequestEntityTooLarge},
		{name: "protocol", err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeProtocolFailure, Message: "boom"}, want: http.StatusInternalServerError},
		{name: "plain", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var se huma.StatusError
			if !errors.As(mapErr(tt.err), &se) {
				t.Fatalf("mapErr(%v) is not a huma.StatusError", tt.err)
			}
			if se.GetStatus() != tt.want {
				t.Fatalf("status = %d, want %d", se.GetStatus(), tt.want)
			}
		})
	}
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) != nil")
	}
}

func TestListTabsRoute(t *testing.T) {
	w := do(t, NewServer(newStubService()), http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Tabs []cdpcontrol.Tab `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tabs) != 1 || body.Tabs[0].ID != "A1" {
		t.Fatalf("tabs = %+v", body.Tabs)
	}
}

func TestRoutesMapServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		fn     string
		err    error
		want   int
	}{
		{
			name: "browser down", method: http.MethodGet, path: "/api/v1/tabs", fn: "ListTabs",
			err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: "browser not reachable"}, want: http.StatusBadGateway,
		},
		{
			name: "screenshot too large", method: http.MethodPost, path: "/api/v1/tabs/A1/screenshot", body: `{}`, fn: "CaptureScreenshot",
			err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeImageTooLarge, Message: imageproc.ErrTooLarge.Error()}, want: http.StatusRequestEntityTooLarge,
		},
		{
			name: "navigate relative url", method: http.MethodPost, path: "/api/v1/tabs/A1/navigate", body: `{"url":"example.com"}`, fn: "LoadURL",
			err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "url must be absolute"}, want: http.StatusBadRequest,
		},
		{
			name: "click missing element", method: http.MethodPost, path: "/api/v1/tabs/A1/click", body: `{"selector":"#nope"}`, fn: "ClickElement",
			err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeElementNotFound, Message: "no element found"}, want: http.StatusNotFound,
		},
		{
			name: "unknown snapshot", method: http.MethodGet, path: "/api/v1/snapshots/0b6c2b4e-8d49-4a4e-9d3f-0f8b7f0b8e11", fn: "GetSnapshot",
			err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeSnapshotNotFound, Message: "snapshot not found"}, want: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newStubService()
			svc.errs[tt.fn] = tt.err
			w := do(t, NewServer(svc), tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d body=%s", w.Code, tt.want, w.Body.String())
			}
			if !svc.called(tt.fn) {
				t.Fatalf("%s was not called", tt.fn)
			}
		})
	}
}

func TestScreenshotQualityRejectedBeforeService(t *testing.T) {
	svc := newStubService()
	w := do(t, NewServer(svc), http.MethodPost, "/api/v1/tabs/A1/screenshot", `{"format":"jpeg","quality":101}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 body=%s", w.Code, w.Body.String())
	}
	if svc.called("CaptureScreenshot") {
		t.Fatal("service called for out-of-range quality")
	}
}

func TestScreenshotRouteLinksSavedImage(t *testing.T) {
	w := do(t, NewServer(newStubService()), http.MethodPost, "/api/v1/tabs/A1/screenshot", `{"full_page":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		Image struct {
			Data   string `json:"data"`
			Format string `json:"format"`
		} `json:"image"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Image.Data, "data:image/webp;base64,") || body.Image.Format != "webp" {
		t.Fatalf("image = %+v", body.Image)
	}
	if body.URL != "/api/v1/snapshots/0b6c2b4e-8d49-4a4e-9d3f-0f8b7f0b8e11/image" {
		t.Fatalf("url = %q", body.URL)
	}
}

func TestSnapshotImageContentType(t *testing.T) {
	w := do(t, NewServer(newStubService()), http.MethodGet, "/api/v1/snapshots/0b6c2b4e-8d49-4a4e-9d3f-0f8b7f0b8e11/image", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/webp" {
		t.Fatalf("Content-Type = %q, want image/webp", ct)
	}
	if w.Body.String() != "RIFF....WEBP" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestListSnapshotsNeverNull(t *testing.T) {
	w := do(t, NewServer(newStubService()), http.MethodGet, "/api/v1/snapshots", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"snapshots":[]`) {
		t.Fatalf("body = %s, want empty array", w.Body.String())
	}
}

func TestHealthAlwaysOK(t *testing.T) {
	w := do(t, NewServer(newStubService()), http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"degraded"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func waitForSubscribers(t *testing.T, b *consolelog.Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", b.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsoleStreamPushesEntriesForTab(t *testing.T) {
	svc := newStubService()
	srv := httptest.NewServer(NewServer(svc))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/tabs/A1/console/stream")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, svc.broker, 1)

	svc.broker.Publish(consolelog.Entry{TabID: "B2", Type: "log", Message: "other tab"})
	svc.broker.Publish(consolelog.Entry{TabID: "A1", Type: "warn", Message: "careful"})

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ReadServerText() error = %v", err)
	}
	var got consolelog.Entry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if got.TabID != "A1" || got.Message != "careful" {
		t.Fatalf("entry = %+v, want only the A1 entry", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for svc.broker.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsoleStreamPongsInterleaveWithEntries(t *testing.T) {
	svc := newStubService()
	srv := httptest.NewServer(NewServer(svc))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/console/stream")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, svc.broker, 1)

	const pings, entries = 50, 100
	pingErr := make(chan error, 1)
	go func() {
		for i := 0; i < pings; i++ {
			if err := wsutil.WriteClientMessage(conn, ws.OpPing, []byte(fmt.Sprintf("hb-%02d", i))); err != nil {
				pingErr <- err
				return
			}
		}
		pingErr <- nil
	}()
	for i := 0; i < entries; i++ {
		svc.broker.Publish(consolelog.Entry{TabID: "A1", Type: "log", Message: fmt.Sprintf("entry %d", i)})
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var gotPongs, gotText int
	for gotPongs < pings || gotText < entries {
		frame, err := ws.ReadFrame(conn)
		if err != nil {
			t.Fatalf("ReadFrame() after %d pongs, %d entries: %v", gotPongs, gotText, err)
		}
		switch frame.Header.OpCode {
		case ws.OpPong:
			if want := fmt.Sprintf("hb-%02d", gotPongs); string(frame.Payload) != want {
				t.Fatalf("pong payload = %q, want %q", frame.Payload, want)
			}
			gotPongs++
		case ws.OpText:
			var e consolelog.Entry
			if err := json.Unmarshal(frame.Payload, &e); err != nil {
				t.Fatalf("text frame %d is not JSON: %v (%q)", gotText, err, frame.Payload)
			}
			gotText++
		default:
			t.Fatalf("unexpected opcode %v", frame.Header.OpCode)
		}
	}
	if err := <-pingErr; err != nil {
		t.Fatalf("WriteClientMessage() error = %v", err)
	}
}

func TestConsoleEventsStreamsSSE(t *testing.T) {
	svc := newStubService()
	srv := httptest.NewServer(NewServer(svc))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/console/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	waitForSubscribers(t, svc.broker, 1)
	svc.broker.Publish(consolelog.Entry{TabID: "B2", Type: "error", Message: "boom"})

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	if event != "error" || !strings.Contains(data, `"message":"boom"`) {
		t.Fatalf("event=%q data=%q", event, data)
	}
}
