package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/investor-relay/internal/state"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// EventSink receives the decoded inbound events of a connection.
type EventSink interface {
	Dispatch(in Inbound) error
	Disconnect(conn state.ConnID) error
}

// ClientMeta is what the transport knows about a connection at upgrade time.
type ClientMeta struct {
	Conn      state.ConnID
	Addr      string
	UserAgent string
	// Admin marks a connection that receives admin broadcasts and may send admin-message.
	Admin bool
}

// Client is one WebSocket connection.
type Client struct {
	id             state.ConnID
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	events         EventSink
	addr           string
	admin          bool
	closed         bool
	maxMessageSize int64
	limiter        *tokenBucket
	log            *slog.Logger
}

// NewClient wraps conn. conn may be nil in tests that only exercise the hub.
func NewClient(conn *websocket.Conn, hub *Hub, events EventSink, meta ClientMeta, cfg Config, log *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		id:             meta.Conn,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		events:         events,
		addr:           meta.Addr,
		admin:          meta.Admin,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newTokenBucket(cfg.RateLimit),
		log:            log.With("conn", meta.Conn, "addr", meta.Addr),
	}
}

// ID returns the connection id.
func (c *Client) ID() state.ConnID {
	return c.id
}

// GetSendChan returns the client's outgoing frame channel.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Error("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Frame exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("Client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("Unexpected WebSocket close", "error", err)
	default:
		c.log.Debug("WebSocket read error", "error", err)
	}
}

// processMessage decodes one frame and forwards it to the event sink.
func (c *Client) processMessage(raw []byte) {
	in := Inbound{Conn: c.id}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		in.Err = fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	} else {
		in.Event = env.Event
		in.Data = env.Data
	}

	if err := c.events.Dispatch(in); err != nil {
		c.log.Warn("Dropping inbound event", "event", in.Event, "error", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.events.Disconnect(c.id); err != nil {
			c.log.Warn("Disconnect not routed", "error", err)
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error("Error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.log.Warn("Rate limit exceeded; discarding event")
			if err := c.events.Dispatch(Inbound{Conn: c.id, Err: ErrRateLimited}); err != nil {
				c.log.Warn("Dropping inbound event", "error", err)
			}
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Error("Error closing connection in writePump", "error", err)
	}
}

func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Error("Error setting write deadline", "error", err)
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Error("Error writing close message", "error", err)
		}
		return false
	}

	return c.writeTextMessage(message)
}

// writeTextMessage writes one event per frame. Queued frames are flushed in
// order so each frame stays a single JSON document.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.log.Error("Error writing message", "error", err)
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return c.handleMessage(nil, false)
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
			c.log.Error("Error writing queued message", "error", err)
			return false
		}
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Error("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Error("Error writing ping message", "error", err)
		return false
	}
	return true
}
