package consolelog

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

type subscriber struct {
	tabID string
	ch    chan Entry
}

// Broker fans out console entries to live stream subscribers, optionally
// scoped to a single tab.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]subscriber
	nextID      atomic.Int64
	dropped     atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]subscriber),
	}
}

// Subscribe registers a client for entries of tabID, or of every tab when
// tabID is empty. The channel is buffered; entries for a slow consumer are
// dropped rather than blocking the publisher.
func (b *Broker) Subscribe(tabID string) (int64, <-chan Entry) {
	id := b.nextID.Add(1)
	ch := make(chan Entry, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = subscriber{tabID: tabID, ch: ch}
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Broker) Publish(e Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.tabID != "" && sub.tabID != e.TabID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
