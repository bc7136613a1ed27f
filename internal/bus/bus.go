// Package bus carries the daemon's internal events from the session
// orchestrator to its consumers, chiefly the websocket hub. Kinds are
// dotted names ("session.status", "message.received"); a subscriber names
// a prefix and receives every kind under it.
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to its current subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Delivery never blocks: a subscriber that cannot keep up loses the event,
// which is acceptable for notifications backed by the store.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in every kind under prefix; the empty prefix
// matches everything. buf sizes the delivery channel. The returned function
// removes the subscription; the channel itself is never closed.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
