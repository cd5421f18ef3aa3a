package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/browser_agent/internal/config"
	"github.com/dgnsrekt/browser_agent/internal/consolelog"
)

type fakeEvent struct {
	method string
	params any
}

// fakeReply describes how the fake browser answers one command. Events in
// before are delivered ahead of the response, events in after follow it.
type fakeReply struct {
	result  any
	err     *cdproto.Error
	noReply bool
	before  []fakeEvent
	after   []fakeEvent
}

type fakeCall struct {
	Method string
	Params map[string]any
}

// fakeBrowser is an in-memory chromedp.Transport that answers commands from
// a per-method script.
type fakeBrowser struct {
	mu      sync.Mutex
	replies map[string]func(params map[string]any) fakeReply
	calls   []fakeCall

	inbox      chan *cdproto.Message
	closed     chan struct{}
	closeOnce  sync.Once
	closeCount atomic.Int32
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		replies: make(map[string]func(map[string]any) fakeReply),
		inbox:   make(chan *cdproto.Message, 1024),
		closed:  make(chan struct{}),
	}
}

func (b *fakeBrowser) on(method string, fn func(params map[string]any) fakeReply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[method] = fn
}

func (b *fakeBrowser) reply(method string, r fakeReply) {
	b.on(method, func(map[string]any) fakeReply { return r })
}

func (b *fakeBrowser) Read(ctx context.Context, msg *cdproto.Message) error {
	select {
	case m := <-b.inbox:
		*msg = *m
		return nil
	case <-b.closed:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBrowser) Write(_ context.Context, msg *cdproto.Message) error {
	select {
	case <-b.closed:
		return io.ErrClosedPipe
	default:
	}

	var params map[string]any
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.calls = append(b.calls, fakeCall{Method: string(msg.Method), Params: params})
	fn := b.replies[string(msg.Method)]
	b.mu.Unlock()

	var r fakeReply
	if fn != nil {
		r = fn(params)
	}
	for _, ev := range r.before {
		b.inbox <- eventMessage(ev)
	}
	if !r.noReply {
		resp := &cdproto.Message{ID: msg.ID}
		if r.err != nil {
			resp.Error = r.err
		} else {
			resp.Result = mustJSON(r.result)
		}
		b.inbox <- resp
	}
	for _, ev := range r.after {
		b.inbox <- eventMessage(ev)
	}
	return nil
}

func (b *fakeBrowser) Close() error {
	b.closeCount.Add(1)
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *fakeBrowser) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.calls))
	for _, c := range b.calls {
		out = append(out, c.Method)
	}
	return out
}

// lastParams returns the params of the most recent call to method.
func (b *fakeBrowser) lastParams(method string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.calls) - 1; i >= 0; i-- {
		if b.calls[i].Method == method {
			return b.calls[i].Params, true
		}
	}
	return nil, false
}

func (b *fakeBrowser) callCount(method string) int {
	n := 0
	for _, m := range b.methods() {
		if m == method {
			n++
		}
	}
	return n
}

func eventMessage(ev fakeEvent) *cdproto.Message {
	return &cdproto.Message{Method: cdproto.MethodType(ev.method), Params: mustJSON(ev.params)}
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func consoleEvent(typ string, args ...string) fakeEvent {
	objs := make([]map[string]any, 0, len(args))
	for _, a := range args {
		objs = append(objs, map[string]any{"type": "string", "value": a})
	}
	return fakeEvent{
		method: "Runtime.consoleAPICalled",
		params: map[string]any{
			"type":               typ,
			"args":               objs,
			"executionContextId": 1,
			"timestamp":          1767225600000.0,
		},
	}
}

// installFakeBrowser routes page sessions to b and returns a pointer to the
// last dialled URL.
func installFakeBrowser(t *testing.T, b *fakeBrowser) *string {
	t.Helper()
	var dialled string
	orig := dialTransport
	t.Cleanup(func() { dialTransport = orig })
	dialTransport = func(_ context.Context, wsURL string) (chromedp.Transport, error) {
		dialled = wsURL
		return b, nil
	}
	return &dialled
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestClient(sink ConsoleSink) *Client {
	return &Client{
		browserURL:     "http://127.0.0.1:9222",
		connectionType: "direct",
		errorHelp:      "start the browser with --remote-debugging-port=9222",
		navTimeout:     time.Second,
		captureBuffer:  64,
		clickMode:      config.ClickModeScript,
		clickWait:      50 * time.Millisecond,
		console:        sink,
	}
}

// recordingSink is a ConsoleSink that records calls in order.
type recordingSink struct {
	mu       sync.Mutex
	calls    []string
	entries  []consolelog.Entry
	attached map[string]io.Closer
	released chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		attached: make(map[string]io.Closer),
		released: make(chan string, 4),
	}
}

func (s *recordingSink) Attach(tabID string, w io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "attach "+tabID)
	s.attached[tabID] = w
}

func (s *recordingSink) AppendFrom(tabID string, w io.Closer, e consolelog.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "append "+tabID)
	if s.attached[tabID] != w {
		return
	}
	e.TabID = tabID
	s.entries = append(s.entries, e)
}

func (s *recordingSink) Release(tabID string, w io.Closer) {
	s.mu.Lock()
	if s.attached[tabID] == w {
		delete(s.attached, tabID)
	}
	s.mu.Unlock()
	s.released <- tabID
}

func (s *recordingSink) snapshot() ([]string, []consolelog.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...), append([]consolelog.Entry(nil), s.entries...)
}

func requireCode(t *testing.T, err error, code string) *CodedError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var coded *CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("expected *CodedError, got %T (%v)", err, err)
	}
	if coded.Code != code {
		t.Fatalf("error code = %s; want %s (%v)", coded.Code, code, err)
	}
	return coded
}
