package capture

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

func requestEvent(id, url string, rt network.ResourceType, wall time.Time, mono time.Time) *network.EventRequestWillBeSent {
	w := cdp.TimeSinceEpoch(wall)
	m := cdp.MonotonicTime(mono)
	return &network.EventRequestWillBeSent{
		RequestID: network.RequestID(id),
		Request: &network.Request{
			URL:     url,
			Method:  "GET",
			Headers: network.Headers{"Accept": "*/*", "X-Count": 3},
		},
		Timestamp: &m,
		WallTime:  &w,
		Type:      rt,
	}
}

func responseEvent(id string, status int64, mono time.Time) *network.EventResponseReceived {
	m := cdp.MonotonicTime(mono)
	return &network.EventResponseReceived{
		RequestID: network.RequestID(id),
		Timestamp: &m,
		Response: &network.Response{
			Status:     status,
			StatusText: "OK",
			Headers:    network.Headers{"Content-Type": "application/json"},
		},
	}
}

func TestClassifyType(t *testing.T) {
	tests := []struct {
		in   network.ResourceType
		want string
	}{
		{network.ResourceTypeXHR, TypeXHR},
		{network.ResourceTypeFetch, TypeFetch},
		{network.ResourceTypeDocument, TypeFetch},
		{"", TypeFetch},
	}
	for _, tt := range tests {
		if got := ClassifyType(tt.in); got != tt.want {
			t.Fatalf("ClassifyType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewFilterRejectsUnknownType(t *testing.T) {
	if _, err := NewFilter([]string{"websocket"}, ""); err == nil {
		t.Fatal("NewFilter() error = nil, want unknown type error")
	}
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name    string
		types   []string
		pattern string
		kind    string
		url     string
		want    bool
	}{
		{name: "empty filter keeps all", kind: TypeXHR, url: "https://a.test/x", want: true},
		{name: "type excluded", types: []string{"fetch"}, kind: TypeXHR, url: "https://a.test/x", want: false},
		{name: "type case insensitive", types: []string{" FETCH "}, kind: TypeFetch, url: "https://a.test/x", want: true},
		{name: "substring match", pattern: "/api/", kind: TypeFetch, url: "https://a.test/api/users", want: true},
		{name: "regex match", pattern: `users/\d+$`, kind: TypeFetch, url: "https://a.test/users/42", want: true},
		{name: "regex miss", pattern: `users/\d+$`, kind: TypeFetch, url: "https://a.test/users/me", want: false},
		{name: "invalid regex falls back to substring", pattern: "a.test/(", kind: TypeFetch, url: "https://a.test/(x", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.types, tt.pattern)
			if err != nil {
				t.Fatalf("NewFilter() error = %v", err)
			}
			if got := f.Match(tt.kind, tt.url); got != tt.want {
				t.Fatalf("Match(%q, %q) = %v, want %v", tt.kind, tt.url, got, tt.want)
			}
		})
	}
}

func TestCorrelatorPairsRequestAndResponse(t *testing.T) {
	f, _ := NewFilter(nil, "")
	c := NewCorrelator(f)
	wall := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mono := time.Unix(1000, 0)

	c.Handle(requestEvent("1", "https://a.test/api", network.ResourceTypeFetch, wall, mono))
	if len(c.Events()) != 0 {
		t.Fatal("request alone must not produce an event")
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}

	c.Handle(responseEvent("1", 200, mono.Add(250*time.Millisecond)))

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("len(Events) = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != TypeFetch || ev.Method != "GET" || ev.Status != 200 || ev.StatusText != "OK" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.RequestHeaders["Accept"] != "*/*" || ev.RequestHeaders["X-Count"] != "3" {
		t.Fatalf("RequestHeaders = %v", ev.RequestHeaders)
	}
	if ev.ResponseHeaders["Content-Type"] != "application/json" {
		t.Fatalf("ResponseHeaders = %v", ev.ResponseHeaders)
	}
	if !ev.Timing.RequestTime.Equal(wall) {
		t.Fatalf("RequestTime = %v, want %v", ev.Timing.RequestTime, wall)
	}
	if ev.Timing.ResponseTime == nil || !ev.Timing.ResponseTime.Equal(wall.Add(250*time.Millisecond)) {
		t.Fatalf("ResponseTime = %v, want request time + 250ms", ev.Timing.ResponseTime)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d after completion, want 0", c.Pending())
	}
}

func TestCorrelatorIgnoresUnmatchedResponse(t *testing.T) {
	f, _ := NewFilter(nil, "")
	c := NewCorrelator(f)
	if _, ok := c.OnResponseReceived(responseEvent("ghost", 200, time.Unix(5, 0))); ok {
		t.Fatal("OnResponseReceived() matched a request that was never sent")
	}
	if len(c.Events()) != 0 {
		t.Fatalf("Events() = %v, want none", c.Events())
	}
}

func TestCorrelatorDropsFilteredRequestsBeforeStoring(t *testing.T) {
	f, _ := NewFilter([]string{"fetch"}, "")
	c := NewCorrelator(f)
	now := time.Now()

	c.Handle(requestEvent("xhr-1", "https://a.test/xhr", network.ResourceTypeXHR, now, now))
	c.Handle(requestEvent("fetch-1", "https://a.test/fetch", network.ResourceTypeFetch, now, now))
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want only the fetch request stored", c.Pending())
	}

	c.Handle(responseEvent("xhr-1", 200, now))
	c.Handle(responseEvent("fetch-1", 201, now))

	events := c.Events()
	if len(events) != 1 || events[0].Type != TypeFetch || events[0].Status != 201 {
		t.Fatalf("Events() = %+v, want exactly one fetch record", events)
	}
}

func TestCorrelatorRedirectFilteredOutRemovesPending(t *testing.T) {
	f, _ := NewFilter(nil, "a.test")
	c := NewCorrelator(f)
	now := time.Now()

	c.Handle(requestEvent("r", "https://a.test/start", network.ResourceTypeDocument, now, now))
	c.Handle(requestEvent("r", "https://b.test/landing", network.ResourceTypeDocument, now, now))
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want redirect to a filtered URL to drop the record", c.Pending())
	}
}
