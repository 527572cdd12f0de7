// Package hub implements the Client Connection transport: it accepts
// websocket connections, wraps each in a Client, and broadcasts registry
// events to every connected client regardless of attachment.
package hub

import (
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/user/shellshare/internal/registry"
)

// Hub tracks every currently connected Client and dispatches inbound
// protocol messages against a Registry.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	registry *registry.Registry
}

// New constructs an empty Hub. Call SetRegistry before accepting
// connections; the two are wired together after both are constructed to
// break the circular dependency (the Registry broadcasts through the Hub,
// the Hub dispatches into the Registry).
func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// SetRegistry wires the Hub to the Registry it dispatches commands into.
func (h *Hub) SetRegistry(r *registry.Registry) {
	h.registry = r
}

// BroadcastAll implements registry.Broadcaster: it enqueues msg to every
// currently connected client, attached or not.
func (h *Hub) BroadcastAll(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.Enqueue(msg)
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	if c.attachedName != "" {
		h.registry.OnClientGone(c.attachedName, c)
	}
}

// HandleWebSocket accepts a connection at the root path, with no
// authentication and no path-based routing, and runs its inbound/outbound
// pumps until the connection closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	c := newClient(conn, h)
	h.register(c)
	slog.Info("client connected", "client", c.id)

	ctx := r.Context()
	go c.writePump(ctx)
	c.readPump(ctx)
}

// Close closes every currently connected client. Used during shutdown,
// after the Registry has already been asked to kill every session.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.dropSlow()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
