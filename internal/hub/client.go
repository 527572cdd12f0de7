package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/user/shellshare/internal/registry"
	"github.com/user/shellshare/internal/wire"
)

// outboundQueueSize is the bound on a client's per-connection send queue
// (recommended ~256 messages).
const outboundQueueSize = 256

// Client is one duplex connection to a remote UI. It implements
// session.Client so a Session can enqueue output directly to it.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	send   chan []byte
	closed atomic.Bool

	// attachedName is the name of the Session this connection is currently
	// attached to, or "" if none. It is a weak reference — a name, not a
	// pointer — and is only ever touched by this connection's own readPump
	// goroutine, so it needs no lock.
	attachedName string
}

func newClient(conn *websocket.Conn, h *Hub) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, outboundQueueSize),
	}
}

// ID implements session.Client.
func (c *Client) ID() string { return c.id }

// Enqueue implements session.Client. It never blocks: if the outbound queue
// is full, the client is dropped rather than stalling whoever called
// Enqueue (the fan-out loop, or the hub's own broadcast).
func (c *Client) Enqueue(msg []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.dropSlow()
		return false
	}
}

// dropSlow closes the send channel exactly once, which unblocks writePump
// and causes it to close the underlying connection.
func (c *Client) dropSlow() {
	if c.closed.CompareAndSwap(false, true) {
		slog.Warn("client outbound queue full, dropping connection", "client", c.id)
		close(c.send)
	}
}

func (c *Client) sendError(message string) {
	c.Enqueue(wire.Encode(wire.ErrorMessage{Type: "error", Message: message}))
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(1 << 20)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wire.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed message: " + err.Error())
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *wire.ClientMessage) {
	switch msg.Type {
	case "list":
		c.Enqueue(encodeSessions(c.hub.registry.List()))

	case "create":
		if err := c.hub.registry.Create(msg.Name); err != nil {
			c.sendError(err.Error())
			return
		}
		c.Enqueue(wire.Encode(wire.CreatedMessage{Type: "created", Name: msg.Name}))

	case "attach":
		c.handleAttach(msg.Name)

	case "kill":
		if err := c.hub.registry.Kill(msg.Name); err != nil {
			c.sendError(err.Error())
		}

	case "rename":
		if err := c.hub.registry.Rename(msg.OldName, msg.NewName); err != nil {
			c.sendError(err.Error())
		}

	case "input":
		c.handleInput(msg.Data)

	case "resize":
		c.handleResize(msg.Cols, msg.Rows)

	default:
		// Unknown types are forward-compatible no-ops, per protocol.
	}
}

func (c *Client) handleAttach(name string) {
	if c.attachedName != "" {
		c.hub.registry.Detach(c.attachedName, c)
		c.attachedName = ""
	}

	if err := c.hub.registry.Attach(name, c); err != nil {
		c.sendError(err.Error())
		return
	}
	c.attachedName = name
	c.Enqueue(wire.Encode(wire.AttachedMessage{Type: "attached", Name: name}))
}

func (c *Client) handleInput(data string) {
	if c.attachedName == "" {
		return
	}
	sess, ok := c.hub.registry.Lookup(c.attachedName)
	if !ok {
		return
	}
	sess.Write([]byte(data))
}

func (c *Client) handleResize(cols, rows int) {
	if cols < 1 || rows < 1 {
		c.sendError("cols and rows must be >= 1")
		return
	}
	if c.attachedName == "" {
		return
	}
	sess, ok := c.hub.registry.Lookup(c.attachedName)
	if !ok {
		return
	}
	_ = sess.Resize(uint16(cols), uint16(rows))
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

func encodeSessions(infos []registry.Info) []byte {
	list := make([]wire.SessionSummary, len(infos))
	for i, info := range infos {
		list[i] = wire.SessionSummary{Name: info.Name, ClientCount: info.ClientCount}
	}
	return wire.Encode(wire.SessionsMessage{Type: "sessions", List: list})
}
