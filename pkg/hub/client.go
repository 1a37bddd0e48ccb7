package hub

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound message size
	maxMessageSize = 64 * 1024

	// sendBuffer is the per-client backlog before the client is dropped
	sendBuffer = 64
)

// Client represents a single websocket connection
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// NewClient creates a new client and registers it with the hub.
// It returns false if the hub has stopped.
func NewClient(hub *Hub, conn *websocket.Conn) (*Client, bool) {
	client := &Client{
		ID:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
	select {
	case hub.register <- client:
		return client, true
	case <-hub.done:
		return nil, false
	}
}

// Handler returns a fiber handler that serves hub clients.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client, ok := NewClient(h, conn)
		if !ok {
			conn.Close()
			return
		}
		client.Run()
	})
}

// Send queues msg for this client only.
func (c *Client) Send(msg Message) {
	c.hub.SendTo(c, msg)
}

// Run starts the client's read and write pumps and returns once both have
// stopped. The connection must not be used after the websocket handler
// returns, so this is called from the handler.
func (c *Client) Run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump() // Blocks until connection closes
	<-done       // send is closed by the hub once the client unregisters
}

// readPump reads client frames and hands them to the hub's inbound handler.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.messagesReceived.Add(1)
		if fn := c.hub.inbound(); fn != nil {
			fn(c, data)
		}
	}
}

// writePump writes messages to the websocket connection
// Only this goroutine writes to the connection - no race conditions!
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel - send close frame
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message.Data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
