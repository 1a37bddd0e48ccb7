package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/fanbridge/internal/log"
	"github.com/teslashibe/fanbridge/pkg/state"
)

// Greeter returns the message a client receives right after it registers.
type Greeter func() (Message, bool)

// InboundHandler handles a frame received from a client.
type InboundHandler func(c *Client, data []byte)

// Hub maintains the set of active clients and broadcasts messages to them.
// Only the Run goroutine touches client send channels.
type Hub struct {
	// Name for logging
	name   string
	logger *slog.Logger

	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Messages for a single client
	direct chan envelope

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Callbacks
	cbMu      sync.RWMutex
	greet     Greeter
	onMessage InboundHandler

	// Mutex for client count (read-only access from outside)
	mu sync.RWMutex

	running atomic.Bool

	messagesSent      atomic.Uint64
	messagesReceived  atomic.Uint64
	slowClients       atomic.Uint64
	broadcastsDropped atomic.Uint64
}

type envelope struct {
	client *Client
	msg    Message
}

// New creates a new Hub
func New(name string) *Hub {
	return &Hub{
		name:       name,
		logger:     log.Component("hub").With("hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		direct:     make(chan envelope, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// OnRegister sets the greeter for newly registered clients.
func (h *Hub) OnRegister(g Greeter) {
	h.cbMu.Lock()
	h.greet = g
	h.cbMu.Unlock()
}

// OnMessage sets the callback for frames received from clients.
func (h *Hub) OnMessage(fn InboundHandler) {
	h.cbMu.Lock()
	h.onMessage = fn
	h.cbMu.Unlock()
}

func (h *Hub) greeter() Greeter {
	h.cbMu.RLock()
	defer h.cbMu.RUnlock()
	return h.greet
}

func (h *Hub) inbound() InboundHandler {
	h.cbMu.RLock()
	defer h.cbMu.RUnlock()
	return h.onMessage
}

// Run starts the hub's main loop and blocks until ctx is done, at which
// point every client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "client", client.ID, "clients", count)

			if greet := h.greeter(); greet != nil {
				if msg, ok := greet(); ok {
					h.deliver(client, msg)
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client", client.ID, "clients", count)

		case env := <-h.direct:
			h.mu.RLock()
			_, ok := h.clients[env.client]
			h.mu.RUnlock()
			if ok {
				h.deliver(env.client, env.msg)
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				targets = append(targets, client)
			}
			h.mu.RUnlock()
			for _, client := range targets {
				h.deliver(client, message)
			}
		}
	}
}

// deliver queues msg for client, dropping the client if its buffer is full.
// Called from Run only.
func (h *Hub) deliver(client *Client, msg Message) {
	select {
	case client.send <- msg:
		h.messagesSent.Add(1)
	default:
		// Client's buffer is full - they're too slow
		h.mu.Lock()
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
		h.slowClients.Add(1)
		h.logger.Warn("dropped slow client", "client", client.ID)
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.broadcastsDropped.Add(1)
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastState encodes s as a stateUpdate and broadcasts it.
// It implements state.Broadcaster.
func (h *Hub) BroadcastState(s state.SystemState) {
	msg, err := StateMessage(s)
	if err != nil {
		h.logger.Error("encode state", "error", err)
		return
	}
	h.Broadcast(msg)
}

// SendTo queues msg for a single client.
func (h *Hub) SendTo(c *Client, msg Message) {
	select {
	case h.direct <- envelope{client: c, msg: msg}:
	case <-h.done:
	default:
		h.logger.Warn("direct channel full, dropping reply", "client", c.ID)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Stats contains hub statistics
type Stats struct {
	Clients           int    `json:"clients"`
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	SlowClients       uint64 `json:"slow_clients"`
	BroadcastsDropped uint64 `json:"broadcasts_dropped"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		Clients:           h.ClientCount(),
		MessagesSent:      h.messagesSent.Load(),
		MessagesReceived:  h.messagesReceived.Load(),
		SlowClients:       h.slowClients.Load(),
		BroadcastsDropped: h.broadcastsDropped.Load(),
	}
}

var _ state.Broadcaster = (*Hub)(nil)
