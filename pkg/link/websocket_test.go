package link

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/teslashibe/fanbridge/pkg/protocol"
)

func startDeviceServer(t *testing.T) (*WebSocket, string) {
	t.Helper()
	w := NewWebSocket(0)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	w.RegisterRoutes(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() {
		w.Close()
		app.Shutdown()
	})
	return w, "ws://" + ln.Addr().String() + DevicePath
}

func dialDevice(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketDeviceLines(t *testing.T) {
	w, url := startDeviceServer(t)
	conn := dialDevice(t, url)
	waitFor(t, "device to attach", w.Connected)

	conn.WriteMessage(gorilla.TextMessage, []byte("DIST:42"))
	conn.WriteMessage(gorilla.TextMessage, []byte("FAN:ON\nSYSTEM:READY\n"))

	for _, want := range []string{"DIST:42", "FAN:ON", "SYSTEM:READY"} {
		if got := recvLine(t, w); got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}
}

func TestWebSocketDeviceCommands(t *testing.T) {
	w, url := startDeviceServer(t)
	conn := dialDevice(t, url)
	waitFor(t, "device to attach", w.Connected)

	if err := w.Send(protocol.CmdFanOff); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != "F0" {
		t.Errorf("device received %q, want F0", data)
	}
}

func TestWebSocketDeviceReplaced(t *testing.T) {
	w, url := startDeviceServer(t)
	first := dialDevice(t, url)
	waitFor(t, "first device", func() bool { return w.Stats().Connections == 1 })

	dialDevice(t, url)
	waitFor(t, "second device", func() bool { return w.Stats().Connections == 2 })

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("first device should be disconnected")
	}
	if !w.Connected() {
		t.Error("second device should stay attached")
	}
}

func TestWebSocketDeviceDisconnect(t *testing.T) {
	w, url := startDeviceServer(t)
	conn := dialDevice(t, url)
	waitFor(t, "device to attach", w.Connected)

	conn.Close()

	waitFor(t, "device to detach", func() bool { return !w.Connected() })
	if err := w.Send(protocol.CmdFanOn); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestWebSocketRunClosesOnCancel(t *testing.T) {
	w, url := startDeviceServer(t)
	conn := dialDevice(t, url)
	waitFor(t, "device to attach", w.Connected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("device should be disconnected after Run returns")
	}
	if w.Transport() != "websocket" {
		t.Errorf("Transport() = %q", w.Transport())
	}
}

func TestWebSocketDeviceChurnWithCommands(t *testing.T) {
	w, url := startDeviceServer(t)

	stop := make(chan struct{})
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		cmds := []protocol.Command{protocol.CmdFanOn, protocol.CmdManual, protocol.CmdFanOff}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				w.Send(cmds[i%len(cmds)]) // rejected while no device is attached
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	defer func() {
		close(stop)
		<-senderDone
	}()

	for i := 0; i < 30; i++ {
		conn := dialDevice(t, url)
		waitFor(t, "device to attach", w.Connected)
		conn.Close()
		waitFor(t, "device to detach", func() bool { return !w.Connected() })
	}
}
