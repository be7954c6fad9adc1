package channel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/resilience"
)

type recordingHandler struct {
	inbound  chan Inbound
	closed   chan error
	reopened chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		inbound:  make(chan Inbound, 16),
		closed:   make(chan error, 1),
		reopened: make(chan struct{}, 4),
	}
}

func (h *recordingHandler) HandleInbound(msg Inbound) { h.inbound <- msg }
func (h *recordingHandler) ChannelClosed(err error)   { h.closed <- err }
func (h *recordingHandler) ChannelReopened()          { h.reopened <- struct{}{} }

// backend is a test websocket server that records what it receives and
// exposes the live connections.
type backend struct {
	srv      *httptest.Server
	received chan []byte
	conns    chan *websocket.Conn

	mu     sync.Mutex
	refuse bool
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{received: make(chan []byte, 64), conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		refuse := b.refuse
		b.mu.Unlock()
		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.received <- data
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *backend) setRefuse(v bool) {
	b.mu.Lock()
	b.refuse = v
	b.mu.Unlock()
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		WriteTimeout: time.Second,
		PongWait:     5 * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        20 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: 2,
			Backoff:     10 * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  20 * time.Millisecond,
		},
	}
}

func openSync(t *testing.T, c *Client) error {
	t.Helper()
	result := make(chan error, 1)
	c.Open(func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not complete")
		return nil
	}
}

func TestClient_SendAndReceive(t *testing.T) {
	b := newBackend(t)
	h := newRecordingHandler()
	c := NewClient(testConfig(b.url()), zerolog.Nop())
	c.SetHandler(h)
	defer c.Shutdown()

	if err := openSync(t, c); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected client to be connected")
	}

	if err := c.Send(map[string]any{"type": "configure", "lang": "en-US"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case data := <-b.received:
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("server got invalid JSON: %v", err)
		}
		if got["type"] != "configure" || got["lang"] != "en-US" {
			t.Errorf("server got %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the message")
	}

	server := <-b.conns
	if err := server.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcription","text":["hi"],"tmp":[]}`)); err != nil {
		t.Fatalf("server write error = %v", err)
	}
	select {
	case msg := <-h.inbound:
		if msg.Type != TypeTranscription || msg.Transcription.Text[0] != "hi" {
			t.Errorf("inbound = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not receive the message")
	}
}

func TestClient_OpenWhenConnectedReportsImmediately(t *testing.T) {
	b := newBackend(t)
	c := NewClient(testConfig(b.url()), zerolog.Nop())
	defer c.Shutdown()

	if err := openSync(t, c); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	called := false
	c.Open(func(err error) {
		called = true
		if err != nil {
			t.Errorf("second Open() error = %v", err)
		}
	})
	if !called {
		t.Error("expected done to run synchronously on a connected client")
	}
}

func TestClient_SendWithoutConnection(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1"), zerolog.Nop())
	defer c.Shutdown()

	if err := c.Send(map[string]string{"type": "audioStop"}); err != ErrNotConnected {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_OpenFailsWhenBackendRefuses(t *testing.T) {
	b := newBackend(t)
	b.setRefuse(true)
	c := NewClient(testConfig(b.url()), zerolog.Nop())
	defer c.Shutdown()

	if err := openSync(t, c); err == nil {
		t.Fatal("expected Open to fail")
	}
	if c.Connected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestClient_CloseThenReopen(t *testing.T) {
	b := newBackend(t)
	h := newRecordingHandler()
	c := NewClient(testConfig(b.url()), zerolog.Nop())
	c.SetHandler(h)
	defer c.Shutdown()

	if err := openSync(t, c); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	<-b.conns
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.Connected() {
		t.Fatal("expected client to be disconnected after Close")
	}

	if err := openSync(t, c); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	select {
	case <-b.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a second connection")
	}

	select {
	case err := <-h.closed:
		t.Errorf("unexpected ChannelClosed(%v) after a deliberate Close", err)
	default:
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	b := newBackend(t)
	h := newRecordingHandler()
	c := NewClient(testConfig(b.url()), zerolog.Nop())
	c.SetHandler(h)
	defer c.Shutdown()

	if err := openSync(t, c); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	before := c.Epoch()
	first := <-b.conns
	_ = first.Close()

	select {
	case <-b.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	select {
	case <-h.reopened:
	case <-time.After(5 * time.Second):
		t.Fatal("expected ChannelReopened after the reconnect")
	}
	if got := c.Epoch(); got != before+1 {
		t.Errorf("Epoch() = %d, want %d", got, before+1)
	}
}

func TestClient_ReportsClosedWhenReconnectFails(t *testing.T) {
	b := newBackend(t)
	h := newRecordingHandler()
	c := NewClient(testConfig(b.url()), zerolog.Nop())
	c.SetHandler(h)
	defer c.Shutdown()

	if err := openSync(t, c); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	first := <-b.conns
	b.setRefuse(true)
	_ = first.Close()

	select {
	case err := <-h.closed:
		if err == nil {
			t.Error("expected a non-nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected ChannelClosed after reconnect attempts ran out")
	}
	select {
	case <-h.reopened:
		t.Error("unexpected ChannelReopened")
	default:
	}
}
