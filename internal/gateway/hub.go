package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drostlabs/drost/pkg/control"
)

// ringSize bounds the in-memory runtime event history.
const ringSize = 500

// Hub fans runtime events out to subscribers and keeps the last ringSize
// events for snapshot reads. Subscriber callbacks run synchronously and
// must not block.
type Hub struct {
	mu     sync.Mutex
	ring   []control.RuntimeEvent
	next   int
	full   bool
	subs   map[int]func(control.RuntimeEvent)
	nextID int
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		ring: make([]control.RuntimeEvent, ringSize),
		subs: map[int]func(control.RuntimeEvent){},
	}
}

// Publish stamps and delivers one event to every subscriber exactly once.
func (h *Hub) Publish(eventType string, attrs map[string]interface{}) control.RuntimeEvent {
	ev := control.RuntimeEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Attrs:     attrs,
	}

	h.mu.Lock()
	h.ring[h.next] = ev
	h.next = (h.next + 1) % ringSize
	if h.next == 0 {
		h.full = true
	}
	subs := make([]func(control.RuntimeEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return ev
}

// Subscribe registers a callback for future events. The returned function
// cancels the subscription.
func (h *Hub) Subscribe(fn func(control.RuntimeEvent)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Snapshot returns the retained events oldest-first.
func (h *Hub) Snapshot() []control.RuntimeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		out := make([]control.RuntimeEvent, h.next)
		copy(out, h.ring[:h.next])
		return out
	}
	out := make([]control.RuntimeEvent, 0, ringSize)
	out = append(out, h.ring[h.next:]...)
	out = append(out, h.ring[:h.next]...)
	return out
}
