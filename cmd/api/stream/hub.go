package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/common/logger"
	"github.com/estatehub/portal/common/metrics"
)

// ErrHubClosed is returned when registering against a stopped hub
var ErrHubClosed = errors.New("stream hub is closed")

// Hub maintains open stream connections and routes change events to the
// subscribers allowed to see them
type Hub struct {
	clients map[*Client]struct{}
	mutex   sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	log *logger.Logger
}

// NewHub creates a hub; call Run to start routing
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run routes messages until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("stream hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case payload := <-h.broadcast:
			h.deliver(payload)
		}
	}
}

// Broadcast queues an encoded service.ChangeEvent for delivery. It never
// blocks; events are dropped while the queue is full.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		h.log.Warn("stream broadcast queue full, dropping event")
	}
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mutex.Unlock()

	metrics.Get().StreamClients(n)
	h.log.Debug("stream client registered", "user_id", client.actor.ID, "role", client.actor.Role, "clients", n)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mutex.Unlock()

	if ok {
		metrics.Get().StreamClients(n)
		h.log.Debug("stream client unregistered", "user_id", client.actor.ID, "clients", n)
	}
}

func (h *Hub) deliver(payload []byte) {
	var ev service.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.log.Warn("dropping malformed stream event", "error", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		if !ev.VisibleTo(client.actor) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// slow consumer
			h.log.Warn("stream client buffer full, closing connection", "user_id", client.actor.ID)
			delete(h.clients, client)
			close(client.send)
		}
	}
	metrics.Get().StreamClients(len(h.clients))
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	metrics.Get().StreamClients(0)
}
