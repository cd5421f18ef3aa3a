package consolelog

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry is one console API call observed on a tab.
type Entry struct {
	TabID     string    `json:"tabId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Archive receives a copy of every appended entry.
type Archive interface {
	Write(record any) error
}

// Registry owns a bounded console buffer per tab and the watcher session
// that feeds it. When a buffer is full the oldest entry is evicted.
type Registry struct {
	capacity   int
	maxMessage int
	broker     *Broker
	archive    Archive

	mu   sync.Mutex
	tabs map[string]*tabLog
}

type tabLog struct {
	ring    []Entry
	start   int
	count   int
	evicted int64
	watcher io.Closer
}

// Option configures a Registry.
type Option func(*Registry)

// WithArchive mirrors appended entries to a.
func WithArchive(a Archive) Option {
	return func(r *Registry) { r.archive = a }
}

// NewRegistry creates a registry holding at most capacity entries per tab.
// Messages longer than maxMessageBytes are truncated; zero disables that.
func NewRegistry(capacity, maxMessageBytes int, opts ...Option) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	r := &Registry{
		capacity:   capacity,
		maxMessage: maxMessageBytes,
		broker:     NewBroker(),
		tabs:       make(map[string]*tabLog),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Broker returns the live fan-out for appended entries.
func (r *Registry) Broker() *Broker { return r.broker }

// Capacity is the per-tab entry limit.
func (r *Registry) Capacity() int { return r.capacity }

func (r *Registry) tabLocked(tabID string) *tabLog {
	t, ok := r.tabs[tabID]
	if !ok {
		t = &tabLog{}
		r.tabs[tabID] = t
	}
	return t
}

func (t *tabLog) clear() {
	t.ring = nil
	t.start, t.count, t.evicted = 0, 0, 0
}

// Append records e for tabID.
func (r *Registry) Append(tabID string, e Entry) {
	r.append(tabID, nil, e)
}

// AppendFrom records e only while w is still the watcher for tabID. Events
// an old page session delivers after being replaced are dropped.
func (r *Registry) AppendFrom(tabID string, w io.Closer, e Entry) {
	r.append(tabID, w, e)
}

func (r *Registry) append(tabID string, from io.Closer, e Entry) {
	e.TabID = tabID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if msg, truncated := truncateMessage(e.Message, r.maxMessage); truncated {
		e.Message = msg
	}

	r.mu.Lock()
	t := r.tabLocked(tabID)
	if from != nil && t.watcher != from {
		r.mu.Unlock()
		slog.Debug("console entry from replaced watcher dropped", "tab_id", tabID)
		return
	}
	if t.ring == nil {
		t.ring = make([]Entry, r.capacity)
	}
	if t.count == r.capacity {
		t.ring[t.start] = e
		t.start = (t.start + 1) % r.capacity
		t.evicted++
	} else {
		t.ring[(t.start+t.count)%r.capacity] = e
		t.count++
	}
	r.mu.Unlock()

	r.broker.Publish(e)
	if r.archive != nil {
		if err := r.archive.Write(e); err != nil {
			slog.Debug("console archive write failed", "tab_id", tabID, "error", err)
		}
	}
}

// Entries returns a copy of the buffered entries for tabID, oldest first.
func (r *Registry) Entries(tabID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tabs[tabID]
	if !ok || t.count == 0 {
		return []Entry{}
	}
	out := make([]Entry, 0, t.count)
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(t.start+i)%r.capacity])
	}
	return out
}

// Evicted reports how many entries were dropped from tabID's buffer since
// its last reset.
func (r *Registry) Evicted(tabID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tabs[tabID]; ok {
		return t.evicted
	}
	return 0
}

// Watching reports whether tabID currently has a watcher attached.
func (r *Registry) Watching(tabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tabs[tabID]
	return ok && t.watcher != nil
}

// Tabs lists tab IDs that have a buffer, sorted.
func (r *Registry) Tabs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tabs))
	for id := range r.tabs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Attach makes w the watcher for tabID and empties its buffer in the same
// step. A previous watcher is closed.
func (r *Registry) Attach(tabID string, w io.Closer) {
	r.mu.Lock()
	t := r.tabLocked(tabID)
	prev := t.watcher
	t.watcher = w
	t.clear()
	r.mu.Unlock()

	if prev != nil && prev != w {
		if err := prev.Close(); err != nil {
			slog.Debug("console watcher close failed", "tab_id", tabID, "error", err)
		}
	}
	slog.Debug("console watcher attached", "tab_id", tabID)
}

// Release forgets w if it is still the watcher for tabID. Buffered entries
// are kept.
func (r *Registry) Release(tabID string, w io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tabs[tabID]; ok && t.watcher == w {
		t.watcher = nil
		slog.Debug("console watcher released", "tab_id", tabID)
	}
}

// Close shuts down every watcher and disconnects stream subscribers.
func (r *Registry) Close() error {
	r.mu.Lock()
	var watchers []io.Closer
	for _, t := range r.tabs {
		if t.watcher != nil {
			watchers = append(watchers, t.watcher)
			t.watcher = nil
		}
	}
	r.mu.Unlock()

	for _, w := range watchers {
		if err := w.Close(); err != nil {
			slog.Debug("console watcher close failed", "error", err)
		}
	}
	r.broker.closeAll()
	return nil
}
