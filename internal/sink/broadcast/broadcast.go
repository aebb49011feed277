// Package broadcast fans gateway events out to live-feed subscribers
// (e.g. a dashboard) without ever letting a slow subscriber apply
// backpressure to a device session: sends are non-blocking and drop
// the oldest buffered event when a subscriber's channel is full.
package broadcast

import (
	"sync"

	"github.com/fleetgrid/telemetry-gateway/internal/gateway/events"
)

const defaultBufferSize = 64

// Hub is an events.Sink that republishes every event to each
// subscriber registered via Subscribe.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]chan any
	nextID      int
	bufferSize  int
}

// New builds an empty Hub. bufferSize is the per-subscriber channel
// capacity; non-positive values fall back to a default.
func New(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subscribers: make(map[int]chan any),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new listener and returns its channel and an
// unsubscribe function. The caller must call the returned function
// when done to avoid leaking the channel.
func (h *Hub) Subscribe() (<-chan any, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan any, h.bufferSize)
	h.subscribers[id] = ch
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

func (h *Hub) publish(e any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

func (h *Hub) SessionOpened(e events.SessionOpened)     { h.publish(e) }
func (h *Hub) Authenticated(e events.Authenticated)     { h.publish(e) }
func (h *Hub) AvlRecord(e events.AvlRecord)             { h.publish(e) }
func (h *Hub) CommandResponse(e events.CommandResponse) { h.publish(e) }
func (h *Hub) SessionClosed(e events.SessionClosed)     { h.publish(e) }
