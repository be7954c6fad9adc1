// Package channel is the persistent websocket channel to the processing
// backend: outbound control and audio messages, inbound transcription and
// event messages.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/resilience"
)

var (
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("channel not connected")
	// ErrSendBufferFull is returned by Send when the writer falls behind.
	ErrSendBufferFull = errors.New("channel send buffer full")
)

// Handler receives what arrives on the channel. Both methods are called from
// the reader goroutine and must not block.
type Handler interface {
	HandleInbound(msg Inbound)
	// ChannelClosed reports that the connection dropped and could not be
	// re-established.
	ChannelClosed(err error)
	// ChannelReopened reports that a dropped connection was replaced by a
	// new one. Nothing sent before the drop is known to the new connection.
	ChannelReopened()
}

// Config configures a Client.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	SendBuffer       int
	Retry            *resilience.RetryConfig     // initial dial
	Reconnect        *resilience.ReconnectConfig // after an unexpected drop
}

// Client keeps one websocket connection to the backend. Open dials on
// demand and a dropped connection is re-dialed in the background.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler Handler
	conn    *conn
	epoch   uint64 // bumped for every new connection
	opening bool
	waiters []func(error)
}

// NewClient creates a client. Nothing is dialed until Open.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger.With().Str("component", "channel").Str("url", cfg.URL).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler installs the receiver of inbound messages.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Epoch identifies the current connection. It changes whenever a new
// connection is made.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Open makes sure the channel is connected. done is called exactly once with
// the outcome, from the caller's goroutine when already connected and from
// the dialing goroutine otherwise.
func (c *Client) Open(done func(error)) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		done(nil)
		return
	}
	c.waiters = append(c.waiters, done)
	if c.opening {
		c.mu.Unlock()
		return
	}
	c.opening = true
	c.mu.Unlock()

	go func() {
		err := resilience.Retry(c.ctx, c.dial, c.cfg.Retry, resilience.IsRetryableNetworkError)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to connect to backend")
		}
		c.settle(err)
	}()
}

// Send marshals msg as JSON and queues it for the writer.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case c.conn.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close closes the current connection. Queued messages are flushed first.
// A later Open dials again.
func (c *Client) Close() error {
	c.mu.Lock()
	cur := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cur != nil {
		c.logger.Info().Msg("Closing backend channel")
		cur.shutdown()
	}
	return nil
}

// Shutdown closes the connection and stops any dialing for good.
func (c *Client) Shutdown() {
	c.cancel()
	_ = c.Close()
}

func (c *Client) dial() error {
	ws, resp, err := c.dialer.DialContext(c.ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("failed to connect to backend (status %d): %w", resp.StatusCode, err)
			if resp.StatusCode >= http.StatusInternalServerError {
				return resilience.NewRetryableError(err)
			}
			return err
		}
		return fmt.Errorf("failed to connect to backend: %w", err)
	}

	cur := newConn(ws, c.cfg.SendBuffer)
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close()
		return c.ctx.Err()
	}
	c.conn = cur
	c.epoch++
	c.mu.Unlock()

	c.logger.Info().Msg("Connected to backend")
	go c.writeLoop(cur)
	go c.readLoop(cur)
	return nil
}

// settle ends an open or reconnect attempt and notifies whoever waited on it.
func (c *Client) settle(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.opening = false
	c.mu.Unlock()

	for _, done := range waiters {
		done(err)
	}
}

func (c *Client) readLoop(cur *conn) {
	cur.ws.SetReadLimit(1 << 20)
	_ = cur.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	cur.ws.SetPongHandler(func(string) error {
		return cur.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := cur.ws.ReadMessage()
		if err != nil {
			c.dropped(cur, err)
			return
		}
		_ = cur.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed backend message")
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.HandleInbound(msg)
		}
	}
}

func (c *Client) writeLoop(cur *conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer cur.ws.Close()

	for {
		select {
		case data := <-cur.out:
			if err := c.write(cur, websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("Write to backend failed")
				return
			}
		case <-ticker.C:
			if err := cur.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Warn().Err(err).Msg("Ping to backend failed")
				return
			}
		case <-cur.quit:
			// Flush what was queued before the close.
		flush:
			for {
				select {
				case data := <-cur.out:
					if err := c.write(cur, websocket.TextMessage, data); err != nil {
						return
					}
				default:
					break flush
				}
			}
			_ = cur.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

func (c *Client) write(cur *conn, kind int, data []byte) error {
	if err := cur.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return cur.ws.WriteMessage(kind, data)
}

// dropped handles the reader stopping. A connection closed through Close is
// expected; anything else is re-dialed.
func (c *Client) dropped(cur *conn, err error) {
	cur.shutdown()

	c.mu.Lock()
	if c.conn != cur {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	reconnecting := c.opening
	c.opening = true
	h := c.handler
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn().Err(err).Msg("Backend connection lost")
	} else {
		c.logger.Info().Err(err).Msg("Backend connection ended")
	}
	if reconnecting {
		return
	}

	rerr := resilience.Reconnect(c.ctx, c.dial, c.cfg.Reconnect, c.logger)
	c.settle(rerr)
	if h == nil || c.ctx.Err() != nil {
		return
	}
	if rerr != nil {
		h.ChannelClosed(rerr)
		return
	}
	h.ChannelReopened()
}

type conn struct {
	ws   *websocket.Conn
	out  chan []byte
	quit chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	return &conn{ws: ws, out: make(chan []byte, buffer), quit: make(chan struct{})}
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.quit) })
}
