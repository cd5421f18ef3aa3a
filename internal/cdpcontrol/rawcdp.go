package cdpcontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
)

var errSessionClosed = errors.New("rawcdp: connection closed")

// rawSession is a minimal CDP session bound to a single page target. It talks
// to the page-level debugger socket directly and never sends the target
// discovery or auto-attach commands chromedp issues when it takes over a tab.
// A rawSession implements cdp.Executor so the typed cdproto builders can be
// used against it.
type rawSession struct {
	targetID string
	conn     chromedp.Transport

	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message
	closed    bool

	eventMu       sync.RWMutex
	eventHandlers map[cdproto.MethodType][]eventHandler

	done      chan struct{}
	closeOnce sync.Once
}

type eventHandler struct {
	id int64
	fn func(ev any)
}

// dialTransport opens the page socket. Tests swap it for an in-memory transport.
var dialTransport = func(ctx context.Context, wsURL string) (chromedp.Transport, error) {
	conn, err := chromedp.DialContext(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pageWSURL derives ws://host:port/devtools/page/<id> from the HTTP endpoint.
func pageWSURL(browserURL, targetID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(browserURL, "/"))
	if err != nil {
		return "", fmt.Errorf("rawcdp: parse browser url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("rawcdp: unsupported browser url scheme %q", u.Scheme)
	}
	u.Path = "/devtools/page/" + url.PathEscape(targetID)
	return u.String(), nil
}

func openSession(ctx context.Context, wsURL, targetID string) (*rawSession, error) {
	slog.Debug("rawcdp connecting", "ws_url", wsURL, "target_id", targetID)
	conn, err := dialTransport(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("rawcdp: dial: %w", err)
	}
	s := &rawSession{
		targetID:      targetID,
		conn:          conn,
		pending:       make(map[int64]chan *cdproto.Message),
		eventHandlers: make(map[cdproto.MethodType][]eventHandler),
		done:          make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// ctx returns a context that routes cdproto commands through this session.
func (s *rawSession) ctx(parent context.Context) context.Context {
	return cdp.WithExecutor(parent, s)
}

// Done is closed once the read loop has exited.
func (s *rawSession) Done() <-chan struct{} { return s.done }

func (s *rawSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// readLoop processes incoming messages and dispatches responses to waiters.
func (s *rawSession) readLoop() {
	defer close(s.done)
	for {
		msg := new(cdproto.Message)
		if err := s.conn.Read(context.Background(), msg); err != nil {
			slog.Debug("rawcdp read loop exit", "target_id", s.targetID, "error", err)
			s.closeAllPending()
			return
		}
		switch {
		case msg.ID > 0:
			s.pendingMu.Lock()
			ch, ok := s.pending[msg.ID]
			if ok {
				delete(s.pending, msg.ID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case msg.Method != "":
			s.dispatchEvent(msg)
		}
	}
}

func (s *rawSession) closeAllPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *rawSession) deletePending(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// Execute satisfies cdp.Executor: it sends one command and waits for the
// response carrying the same id.
func (s *rawSession) Execute(ctx context.Context, method string, params, res any) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = jsonv2.Marshal(params, chromedp.DefaultMarshalOptions); err != nil {
			return fmt.Errorf("rawcdp: marshal %s: %w", method, err)
		}
	}

	id := s.seq.Add(1)
	ch := make(chan *cdproto.Message, 1)
	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return errSessionClosed
	}
	s.pending[id] = ch
	s.pendingMu.Unlock()

	s.writeMu.Lock()
	err := s.conn.Write(ctx, &cdproto.Message{ID: id, Method: cdproto.MethodType(method), Params: buf})
	s.writeMu.Unlock()
	if err != nil {
		s.deletePending(id)
		return fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return errSessionClosed
		}
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if res != nil && len(msg.Result) > 0 {
			if err := jsonv2.Unmarshal(msg.Result, res, chromedp.DefaultUnmarshalOptions); err != nil {
				return fmt.Errorf("rawcdp: unmarshal %s: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		s.deletePending(id)
		return ctx.Err()
	}
}

// listen registers fn for a CDP event method. fn runs on the read loop
// goroutine and must not block. Returns an unregister function.
func (s *rawSession) listen(method cdproto.MethodType, fn func(ev any)) func() {
	id := s.seq.Add(1)
	s.eventMu.Lock()
	s.eventHandlers[method] = append(s.eventHandlers[method], eventHandler{id: id, fn: fn})
	s.eventMu.Unlock()
	return func() {
		s.eventMu.Lock()
		defer s.eventMu.Unlock()
		handlers := s.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				s.eventHandlers[method] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
	}
}

func (s *rawSession) dispatchEvent(msg *cdproto.Message) {
	s.eventMu.RLock()
	handlers := make([]eventHandler, len(s.eventHandlers[msg.Method]))
	copy(handlers, s.eventHandlers[msg.Method])
	s.eventMu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	ev, err := cdproto.UnmarshalMessage(msg, chromedp.DefaultUnmarshalOptions)
	if err != nil {
		slog.Debug("rawcdp event decode failed", "method", msg.Method, "error", err)
		return
	}
	for _, h := range handlers {
		h.fn(ev)
	}
}
