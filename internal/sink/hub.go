package sink

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/channel"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// HubConfig configures the UI event hub.
type HubConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// AllowedOrigins limits browser origins; empty allows any.
	AllowedOrigins []string
}

// Hub broadcasts session events to websocket clients. Broadcasting never
// blocks: a client that cannot keep up is disconnected.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.quit) })
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	h := &Hub{
		cfg:     cfg,
		logger:  logger.With().Str("component", "sink_hub").Logger(),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade event client")
		return
	}

	c := &client{ws: ws, send: make(chan []byte, h.cfg.SendBuffer), quit: make(chan struct{})}
	if !h.add(c) {
		_ = ws.Close()
		return
	}
	h.logger.Info().Str("remote", r.RemoteAddr).Int("clients", h.Clients()).Msg("Event client connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	observability.SetSinkClients(len(h.clients))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		observability.SetSinkClients(len(h.clients))
	}
	h.mu.Unlock()
	c.close()
}

// readLoop discards client input; it exists to notice the close.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.ws.SetReadLimit(4096)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Msg("Event client write failed")
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				h.remove(c)
				return
			}
		case <-c.quit:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	observability.SetSinkClients(0)
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.Type).Msg("Failed to encode event")
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn().Msg("Event client too slow, disconnecting")
		h.remove(c)
	}
}

func (h *Hub) Transcript(d transcript.Delta)       { h.broadcast(transcriptEvent(d)) }
func (h *Hub) Lifecycle(change domain.StateChange) { h.broadcast(lifecycleEvent(change)) }
func (h *Hub) Error(err error)                     { h.broadcast(errorEvent(err)) }
func (h *Hub) Level(level domain.SpeechLevel)      { h.broadcast(levelEvent(level)) }
func (h *Hub) Backend(msg channel.Inbound)         { h.broadcast(backendEvent(msg)) }
