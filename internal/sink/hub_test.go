package sink

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("invalid event JSON: %v", err)
	}
	return ev
}

func TestHub_BroadcastsEvents(t *testing.T) {
	h := NewHub(HubConfig{}, zerolog.Nop())
	defer h.Close()
	ws := dialHub(t, h)

	h.Transcript(transcript.Delta{
		Run:      1,
		Appended: []transcript.Segment{{Run: 1, Index: 0, Text: "hello", Final: true}},
	})
	ev := readEvent(t, ws)
	if ev["type"] != EventTranscript {
		t.Fatalf("type = %v, want %s", ev["type"], EventTranscript)
	}
	data := ev["data"].(map[string]any)
	appended := data["appended"].([]any)
	if len(appended) != 1 || appended[0].(map[string]any)["text"] != "hello" {
		t.Errorf("appended = %v", appended)
	}

	h.Level(domain.SpeechSpeech)
	ev = readEvent(t, ws)
	if ev["type"] != EventLevel || ev["data"].(map[string]any)["level"] != "speech" {
		t.Errorf("level event = %v", ev)
	}

	h.Error(domain.Classify(errors.New("mic gone"), domain.ComponentRelay, domain.ClassFatal, "capture_failed"))
	ev = readEvent(t, ws)
	errData := ev["data"].(map[string]any)
	if ev["type"] != EventError || errData["class"] != "fatal" || errData["code"] != "capture_failed" || errData["component"] != "relay" {
		t.Errorf("error event = %v", ev)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h := NewHub(HubConfig{AllowedOrigins: []string{"http://localhost:3000"}}, zerolog.Nop())
	defer h.Close()
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"http://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
}

func TestHub_RemovesClosedClients(t *testing.T) {
	h := NewHub(HubConfig{}, zerolog.Nop())
	defer h.Close()
	ws := dialHub(t, h)

	_ = ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d after close, want 0", h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	h := NewHub(HubConfig{}, zerolog.Nop())
	ws := dialHub(t, h)

	h.Close()
	if h.Clients() != 0 {
		t.Errorf("Clients() = %d after Close, want 0", h.Clients())
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read error = %v, want normal closure", err)
	}
}
