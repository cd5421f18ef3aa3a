package capture

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

const (
	TypeXHR   = "xhr"
	TypeFetch = "fetch"
)

// Timing holds wall-clock request/response times. ResponseTime is only set
// once a matching responseReceived was seen.
type Timing struct {
	RequestTime  time.Time  `json:"requestTime"`
	ResponseTime *time.Time `json:"responseTime,omitempty"`
}

// NetworkEvent is one correlated request/response pair.
type NetworkEvent struct {
	Type            string            `json:"type"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Status          int               `json:"status"`
	StatusText      string            `json:"statusText"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	Timing          Timing            `json:"timing"`
}

// ClassifyType maps a CDP resource type onto the two reported kinds. Anything
// that is not XHR counts as fetch.
func ClassifyType(rt network.ResourceType) string {
	if rt == network.ResourceTypeXHR {
		return TypeXHR
	}
	return TypeFetch
}

// Filter decides which requests are kept.
type Filter struct {
	types   map[string]bool
	pattern string
	re      *regexp.Regexp
}

// NewFilter validates types (xhr, fetch; empty means both). urlPattern matches
// as a substring, or as a regular expression when it compiles as one.
func NewFilter(types []string, urlPattern string) (*Filter, error) {
	f := &Filter{pattern: urlPattern}
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != TypeXHR && t != TypeFetch {
			return nil, fmt.Errorf("unknown request type %q (want %q or %q)", t, TypeXHR, TypeFetch)
		}
		if f.types == nil {
			f.types = make(map[string]bool, 2)
		}
		f.types[t] = true
	}
	if urlPattern != "" {
		if re, err := regexp.Compile(urlPattern); err == nil {
			f.re = re
		}
	}
	return f, nil
}

// Match reports whether a request of kind to url passes the filter.
func (f *Filter) Match(kind, url string) bool {
	if f == nil {
		return true
	}
	if f.types != nil && !f.types[kind] {
		return false
	}
	if f.pattern == "" {
		return true
	}
	if strings.Contains(url, f.pattern) {
		return true
	}
	return f.re != nil && f.re.MatchString(url)
}

type pendingRequest struct {
	event     NetworkEvent
	monotonic time.Time
}

// Correlator pairs requestWillBeSent with responseReceived by request id.
// It is not safe for concurrent use; a capture feeds it from one goroutine.
type Correlator struct {
	filter    *Filter
	pending   map[network.RequestID]*pendingRequest
	completed []NetworkEvent
	now       func() time.Time
}

func NewCorrelator(filter *Filter) *Correlator {
	return &Correlator{
		filter:  filter,
		pending: make(map[network.RequestID]*pendingRequest),
		now:     time.Now,
	}
}

// Handle routes a decoded CDP event. Other event types are ignored.
func (c *Correlator) Handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		c.OnRequestWillBeSent(e)
	case *network.EventResponseReceived:
		c.OnResponseReceived(e)
	}
}

// OnRequestWillBeSent stores a partial record if the request passes the
// filter. A redirect reuses the request id and replaces the partial record.
func (c *Correlator) OnRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev == nil || ev.Request == nil {
		return
	}
	kind := ClassifyType(ev.Type)
	if !c.filter.Match(kind, ev.Request.URL) {
		delete(c.pending, ev.RequestID)
		return
	}

	requestTime := c.now().UTC()
	if ev.WallTime != nil {
		requestTime = ev.WallTime.Time().UTC()
	}
	c.pending[ev.RequestID] = &pendingRequest{
		event: NetworkEvent{
			Type:           kind,
			Method:         ev.Request.Method,
			URL:            ev.Request.URL,
			RequestHeaders: headerMapToStringMap(ev.Request.Headers),
			Timing:         Timing{RequestTime: requestTime},
		},
		monotonic: monotonic(ev.Timestamp),
	}
}

// OnResponseReceived completes the matching partial record and returns it.
func (c *Correlator) OnResponseReceived(ev *network.EventResponseReceived) (NetworkEvent, bool) {
	if ev == nil || ev.Response == nil {
		return NetworkEvent{}, false
	}
	p, ok := c.pending[ev.RequestID]
	if !ok {
		return NetworkEvent{}, false
	}
	delete(c.pending, ev.RequestID)

	out := p.event
	out.Status = int(ev.Response.Status)
	out.StatusText = ev.Response.StatusText
	out.ResponseHeaders = headerMapToStringMap(ev.Response.Headers)

	responseTime := c.now().UTC()
	if rm := monotonic(ev.Timestamp); !rm.IsZero() && !p.monotonic.IsZero() {
		responseTime = out.Timing.RequestTime.Add(rm.Sub(p.monotonic))
	}
	out.Timing.ResponseTime = &responseTime

	c.completed = append(c.completed, out)
	return out, true
}

// Events returns completed records in completion order.
func (c *Correlator) Events() []NetworkEvent {
	out := make([]NetworkEvent, len(c.completed))
	copy(out, c.completed)
	return out
}

// Pending is the number of requests still waiting for a response.
func (c *Correlator) Pending() int { return len(c.pending) }

func monotonic(t *cdp.MonotonicTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time()
}

func headerMapToStringMap(headers network.Headers) map[string]string {
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		switch val := v.(type) {
		case string:
			result[k] = val
		case nil:
		default:
			result[k] = fmt.Sprint(val)
		}
	}
	return result
}
