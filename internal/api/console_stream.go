package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

// consoleStreamHandler upgrades to a WebSocket and pushes live console
// entries as JSON text frames. Requests without a tab_id stream every tab.
func consoleStreamHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tabID := chi.URLParam(r, "tab_id")

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("console stream upgrade failed", "tab_id", tabID, "error", err)
			return
		}
		defer conn.Close()
		sc := &streamConn{conn: conn}

		id, ch := svc.SubscribeConsole(tabID)
		defer svc.UnsubscribeConsole(id)
		slog.Info("console stream opened", "tab_id", tabID, "subscriber", id, "remote", r.RemoteAddr)

		// The read side answers control frames and notices the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			sc.readLoop()
		}()

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-gone:
				slog.Info("console stream closed by client", "tab_id", tabID, "subscriber", id)
				return
			case <-ping.C:
				if err := sc.writeFrame(ws.OpPing, nil); err != nil {
					return
				}
			case entry, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(entry)
				if err != nil {
					slog.Warn("console stream encode failed", "tab_id", entry.TabID, "error", err)
					continue
				}
				if err := sc.writeFrame(ws.OpText, data); err != nil {
					slog.Debug("console stream write failed", "tab_id", tabID, "error", err)
					return
				}
			}
		}
	}
}

// streamConn serialises frame writes from the push loop and the control
// replies produced by the read loop. Each frame is encoded whole and written
// with a single Write under mu.
type streamConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (c *streamConn) writeFrame(op ws.OpCode, data []byte) error {
	var buf bytes.Buffer
	if err := ws.WriteFrame(&buf, ws.NewFrame(op, true, data)); err != nil {
		return err
	}
	return c.writeRaw(buf.Bytes())
}

func (c *streamConn) writeRaw(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(p)
	return err
}

// handleControl answers ping and close frames through writeRaw.
func (c *streamConn) handleControl(h ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &reply,
		State:               ws.StateServerSide,
		DisableSrcCiphering: true,
	}.Handle(h)
	if reply.Len() > 0 {
		if werr := c.writeRaw(reply.Bytes()); werr != nil {
			return werr
		}
	}
	return err
}

// readLoop discards client data frames until the connection fails or the
// client closes it.
func (c *streamConn) readLoop() {
	rd := wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &rd); err != nil {
				return
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return
		}
	}
}

// consoleEventsHandler streams the same entries as server-sent events for
// clients that cannot speak WebSocket.
func consoleEventsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		tabID := chi.URLParam(r, "tab_id")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := svc.SubscribeConsole(tabID)
		defer svc.UnsubscribeConsole(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(entry)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", entry.Type, data)
				flusher.Flush()
			}
		}
	}
}
