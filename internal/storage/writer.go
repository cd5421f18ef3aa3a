// Package storage archives console entries and captured network events as
// JSON lines, one file per record stream per UTC day.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrClosed = errors.New("archive stream closed")
	ErrFull   = errors.New("archive queue full")
)

const drainTimeout = 5 * time.Second

// Writer serialises records for one stream on a background goroutine.
// Layout: <dir>/<YYYY-MM-DD>/<stream>.jsonl, size-rotated by lumberjack.
type Writer struct {
	dir    string
	stream string
	opts   Options

	queue   chan any
	stop    chan struct{}
	stopped sync.Once
	loop    sync.WaitGroup
	dropped atomic.Int64

	mu   sync.Mutex
	day  string
	file *lumberjack.Logger
	buf  bytes.Buffer
	now  func() time.Time
}

func newWriter(dir, stream string, opts Options) *Writer {
	w := &Writer{
		dir:    dir,
		stream: stream,
		opts:   opts,
		queue:  make(chan any, opts.QueueSize),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
	w.loop.Add(1)
	go w.run()
	return w
}

// Write enqueues rec without blocking. When the queue is full the record is
// counted as dropped and ErrFull is returned.
func (w *Writer) Write(rec any) error {
	select {
	case <-w.stop:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- rec:
		return nil
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("archive queue full, dropping records", "stream", w.stream, "dropped", n)
		}
		return ErrFull
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close flushes queued records and releases the current file.
func (w *Writer) Close() error {
	w.stopped.Do(func() { close(w.stop) })
	w.loop.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) run() {
	defer w.loop.Done()
	for {
		select {
		case rec := <-w.queue:
			w.append(rec)
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	deadline := time.Now().Add(drainTimeout)
	for len(w.queue) > 0 {
		if time.Now().After(deadline) {
			slog.Warn("archive flush timed out", "stream", w.stream, "pending", len(w.queue))
			return
		}
		w.append(<-w.queue)
	}
}

func (w *Writer) append(rec any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Reset()
	if err := json.NewEncoder(&w.buf).Encode(rec); err != nil {
		slog.Error("archive encode failed", "stream", w.stream, "error", err)
		return
	}

	day := w.now().UTC().Format(time.DateOnly)
	if w.file == nil || day != w.day {
		if err := w.rollTo(day); err != nil {
			slog.Error("archive open failed", "stream", w.stream, "day", day, "error", err)
			return
		}
	}
	if _, err := w.file.Write(w.buf.Bytes()); err != nil {
		slog.Error("archive write failed", "stream", w.stream, "error", err)
	}
}

func (w *Writer) rollTo(day string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dayDir := filepath.Join(w.dir, day)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return err
	}
	w.file = &lumberjack.Logger{
		Filename:   filepath.Join(dayDir, w.stream+".jsonl"),
		MaxSize:    w.opts.MaxSizeMB,
		MaxBackups: w.opts.MaxBackups,
		MaxAge:     w.opts.MaxAgeDays,
	}
	w.day = day
	slog.Debug("archive file opened", "stream", w.stream, "file", w.file.Filename)
	return nil
}
