package hub

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/teslashibe/fanbridge/pkg/protocol"
	"github.com/teslashibe/fanbridge/pkg/state"
)

func startHub(t *testing.T, h *Hub) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws", h.Handler())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() {
		cancel()
		app.Shutdown()
	})
	return "ws://" + ln.Addr().String() + "/ws"
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) *protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage(%s) error = %v", data, err)
	}
	return msg
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGreetingOnConnect(t *testing.T) {
	current := state.Initial(time.UnixMilli(1_700_000_000_000))
	current.Distance = 77
	h := New("test")
	h.OnRegister(func() (Message, bool) {
		msg, err := StateMessage(current)
		return msg, err == nil
	})
	url := startHub(t, h)

	conn := dial(t, url)
	msg := readMessage(t, conn)

	if msg.Type != protocol.TypeStateUpdate {
		t.Fatalf("Type = %s, want stateUpdate", msg.Type)
	}
	s, err := msg.GetState()
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if s.Distance != 77 {
		t.Errorf("Distance = %d, want 77", s.Distance)
	}
}

func TestBroadcastStateReachesAllClients(t *testing.T) {
	h := New("test")
	url := startHub(t, h)

	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, h, 2)

	s := state.Initial(time.Now())
	s.FanStatus = state.FanOn
	h.BroadcastState(s)

	for _, conn := range []*gorilla.Conn{a, b} {
		got, err := readMessage(t, conn).GetState()
		if err != nil {
			t.Fatalf("GetState() error = %v", err)
		}
		if got.FanStatus != state.FanOn {
			t.Errorf("FanStatus = %s, want ON", got.FanStatus)
		}
	}
	if sent := h.GetStats().MessagesSent; sent != 2 {
		t.Errorf("MessagesSent = %d, want 2", sent)
	}
}

func TestInboundAndReply(t *testing.T) {
	var mu sync.Mutex
	var received []string
	h := New("test")
	h.OnMessage(func(c *Client, data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
		reply, _ := protocol.NewPongMessage(c.ID, 1, 2)
		msg, _ := Encode(reply)
		c.Send(msg)
	})
	url := startHub(t, h)

	sender := dial(t, url)
	other := dial(t, url)
	waitClients(t, h, 2)

	sender.WriteMessage(gorilla.TextMessage, []byte(`{"type":"ping"}`))

	if msg := readMessage(t, sender); msg.Type != protocol.TypePong {
		t.Errorf("reply Type = %s, want pong", msg.Type)
	}

	// The reply goes to the sender only.
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("other client should not receive the reply")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || !strings.Contains(received[0], "ping") {
		t.Errorf("received = %v", received)
	}
}

func TestClientDisconnect(t *testing.T) {
	h := New("test")
	url := startHub(t, h)

	conn := dial(t, url)
	waitClients(t, h, 1)
	conn.Close()
	waitClients(t, h, 0)
}

func TestRunStopsAndDisconnects(t *testing.T) {
	h := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !h.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !h.IsRunning() {
		t.Fatal("hub should be running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if h.IsRunning() {
		t.Error("hub should not be running")
	}

	// Registration after shutdown must not block.
	if _, ok := NewClient(h, nil); ok {
		t.Error("NewClient should fail after the hub stopped")
	}
}

func TestSlowClientDropped(t *testing.T) {
	h := New("test")
	slow := &Client{ID: "slow", hub: h, send: make(chan Message)}
	h.clients[slow] = true

	h.deliver(slow, NewJSONMessage([]byte(`{}`)))

	if h.ClientCount() != 0 {
		t.Error("slow client should be removed")
	}
	if _, ok := <-slow.send; ok {
		t.Error("slow client's send channel should be closed")
	}
	if h.GetStats().SlowClients != 1 {
		t.Errorf("SlowClients = %d, want 1", h.GetStats().SlowClients)
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := New("test")
	for i := 0; i < cap(h.broadcast)+3; i++ {
		h.Broadcast(NewJSONMessage([]byte(`{}`)))
	}
	if got := h.GetStats().BroadcastsDropped; got != 3 {
		t.Errorf("BroadcastsDropped = %d, want 3", got)
	}
}

func TestClientChurnDuringBroadcast(t *testing.T) {
	h := New("test")
	url := startHub(t, h)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s := state.Initial(time.Now())
		for {
			select {
			case <-stop:
				return
			default:
				h.BroadcastState(s)
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
		if err != nil {
			close(stop)
			wg.Wait()
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}
	close(stop)
	wg.Wait()

	waitClients(t, h, 0)
}
