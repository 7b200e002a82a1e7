package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/festion/homelab-gitops-auditor-sub007/internal/events"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment lifecycle events out to connected stream clients.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	done      chan struct{}
	once      sync.Once
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unreg:
			delete(h.clients, client)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		case <-h.done:
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			return
		}
	}
}

// Register adds a client to the event stream.
func (h *Hub) Register(client Subscriber) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unreg <- client:
	case <-h.done:
	}
}

// Broadcast sends payload to all connected clients.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// Shutdown stops the hub and closes all clients.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.done) })
}

// Forward consumes bus events and broadcasts them as JSON until the channel
// closes. Run it in its own goroutine.
func (h *Hub) Forward(ch chan events.Event, logger *slog.Logger) {
	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Error("failed to encode lifecycle event", "type", ev.Type, "error", err)
			continue
		}
		h.Broadcast(payload)
	}
}
