package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub indexes live clients by socket id and fans frames out to them.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Add registers a client under its socket id.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// Remove unregisters c. A different client registered under the same id is
// left in place.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) client(socketID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[socketID]
	return c, ok
}

// Emit queues an event for one socket and reports whether the socket is live.
func (h *Hub) Emit(socketID, event string, payload any) bool {
	c, ok := h.client(socketID)
	if !ok {
		return false
	}
	frame, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Errorw("error encoding event", "event", event, "error", err)
		return false
	}
	return c.enqueue(frame)
}

// Broadcast queues an event for every socket except exceptSocketID and
// returns how many sockets accepted it.
func (h *Hub) Broadcast(exceptSocketID, event string, payload any) int {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Errorw("error encoding event", "event", event, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != exceptSocketID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			sent++
		}
	}
	return sent
}

// Shutdown closes every client with a going-away frame and waits until they
// have all unregistered or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for h.Count() > 0 {
		select {
		case <-ctx.Done():
			h.logger.Warnw("hub shutdown timed out", "remaining", h.Count())
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
