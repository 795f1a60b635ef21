package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	maxControlSize = 4 << 10
)

// control is the only message a client may send: the entities it wants to
// hear about. An empty list means everything.
type control struct {
	Subscribe []string `json:"subscribe"`
}

// Client is one open change feed connection for a user.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	userID string
	send   chan []byte

	mu       sync.RWMutex
	entities map[string]bool
}

// NewClient creates a Client for userID tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

// Wants reports whether the client subscribed to entity.
func (c *Client) Wants(entity string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities) == 0 || c.entities[entity]
}

func (c *Client) subscribe(entities []string) {
	set := make(map[string]bool, len(entities))
	for _, e := range entities {
		set[e] = true
	}
	c.mu.Lock()
	c.entities = set
	c.mu.Unlock()
}

// Run registers the client, greets it with feed_ready, and serves the
// connection until it closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(maxControlSize)
	if hello, err := json.Marshal(NewMessage(EntityFeed, "ready", c.userID, nil)); err == nil {
		select {
		case c.send <- hello:
		default:
		}
	}

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump applies subscribe requests and ignores anything else.
func (c *Client) readPump(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("ignoring client message", "user", c.userID, "error", err)
			continue
		}
		c.subscribe(msg.Subscribe)
	}
}

// writePump drains the send channel and pings periodically to detect stale
// connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
