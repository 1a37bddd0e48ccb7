package link

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/fanbridge/internal/log"
)

// DevicePath is the route a WebSocket-attached device connects to.
const DevicePath = "/ws/device"

// WebSocket is a device that dials in over WebSocket, typically an ESP
// bridge in front of the sensor board. Each text or binary frame carries
// one or more device lines. A new connection replaces the current one.
type WebSocket struct {
	*stream
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebSocket creates a WebSocket device link.
func NewWebSocket(queueSize int) *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		stream: newStream(queueSize, log.Component("link").With("transport", "websocket")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterRoutes registers the device endpoint on a Fiber app.
func (w *WebSocket) RegisterRoutes(app *fiber.App) {
	app.Use(DevicePath, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(DevicePath, websocket.New(w.handleDevice))
}

// Run blocks until ctx is done, then detaches the device.
func (w *WebSocket) Run(ctx context.Context) error {
	<-ctx.Done()
	return w.Close()
}

// Transport returns "websocket".
func (w *WebSocket) Transport() string {
	return "websocket"
}

// Close detaches the current device and refuses new ones.
func (w *WebSocket) Close() error {
	w.cancel()
	return w.closeActive()
}

// Stats returns link counters.
func (w *WebSocket) Stats() Stats {
	return w.stats()
}

func (w *WebSocket) handleDevice(c *websocket.Conn) {
	if w.ctx.Err() != nil {
		c.Close()
		return
	}

	remote := c.RemoteAddr().String()
	start := time.Now()
	w.logger.Info("device connected", "remote", remote)

	if err := w.serve(w.ctx, &frameConn{conn: c}); err != nil {
		w.logger.Debug("device read ended", "remote", remote, "error", err)
	}
	w.logger.Info("device disconnected", "remote", remote, "duration", time.Since(start).Round(time.Millisecond))
}

// frameConn adapts a WebSocket connection to a byte stream. Every frame is
// terminated with a newline so that frames without one still form a line.
type frameConn struct {
	conn *websocket.Conn
	buf  []byte
}

func (f *frameConn) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if len(data) == 0 {
			continue
		}
		if data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		f.buf = data
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *frameConn) Write(p []byte) (int, error) {
	if err := f.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *frameConn) Close() error {
	return f.conn.Close()
}
