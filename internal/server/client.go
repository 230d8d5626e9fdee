// Package server manages individual realtime clients, handling read/write
// pumps, event decoding, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/twis/internal/chat"
	"github.com/Tyrowin/twis/internal/logging"
	"github.com/Tyrowin/twis/internal/metrics"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second

	defaultMaxMessageSize = 4096
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Addr identifies the peer in logs.
	Addr string

	// Identity is the nickname proven by a session token. When set it
	// replaces the nickname of every message the client publishes.
	Identity string

	// MaxMessageSize caps inbound frames in bytes.
	MaxMessageSize int64
}

// Client is one realtime connection. It moves through three states:
// connected (history queued), active (read loop publishing), and
// disconnected (unregistered, send channel closed).
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	relay          Relay
	addr           string
	identity       string
	closed         bool
	maxMessageSize int64

	// pending is set between Hub.Join and Hub.Activate; broadcasts are
	// held in backlog meanwhile.
	pending bool
	backlog []outbound
}

// NewClient creates a Client for conn. conn may be nil in tests, in which
// case the hub does not start pumps for it.
func NewClient(conn *websocket.Conn, hub *Hub, relay Relay, opts ClientOptions) *Client {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		relay:          relay,
		addr:           opts.Addr,
		identity:       opts.Identity,
		maxMessageSize: opts.MaxMessageSize,
	}
}

// GetSendChan returns the client's outgoing frame channel.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Identity returns the session nickname bound to the connection, if any.
func (c *Client) Identity() string {
	return c.identity
}

// queue places a frame in the send buffer without blocking.
func (c *Client) queue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// setupReadConnection configures read deadlines and pong handler for the connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			logging.Error().Err(err).Str("addr", c.addr).Msg("Error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read error and reports whether the read loop
// should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logging.Warn().Str("addr", c.addr).Int64("limit", c.maxMessageSize).Msg("Message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		logging.Debug().Err(err).Str("addr", c.addr).Msg("Client closed connection")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		logging.Debug().Err(err).Str("addr", c.addr).Msg("Client connection closed")
	default:
		logging.Warn().Err(err).Str("addr", c.addr).Msg("Realtime read error")
	}
	return true
}

// processMessage decodes one inbound frame and handles the event it
// carries. It returns true when a message was broadcast.
func (c *Client) processMessage(raw []byte) bool {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropDecode).Inc()
		logging.Warn().Err(err).Str("addr", c.addr).Msg("Invalid frame")
		return false
	}

	switch env.Event {
	case EventChatMessage:
		return c.publish(env.Data)
	default:
		logging.Debug().Str("addr", c.addr).Str("event", env.Event).Msg("Ignoring unknown event")
		return false
	}
}

func (c *Client) publish(data json.RawMessage) bool {
	var in chat.Incoming
	if err := json.Unmarshal(data, &in); err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropDecode).Inc()
		logging.Warn().Err(err).Str("addr", c.addr).Msg("Invalid chat message payload")
		return false
	}
	if c.identity != "" {
		in.Nickname = c.identity
	}

	saved, err := c.relay.Publish(c.hub.ctx, in)
	if errors.Is(err, chat.ErrEmptyMessage) {
		metrics.MessagesDropped.WithLabelValues(metrics.DropEmpty).Inc()
		return false
	}
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropStorage).Inc()
		logging.Error().Err(err).Str("addr", c.addr).Msg("Save message error")
		return false
	}

	frame, err := encodeEvent(EventChatMessage, saved)
	if err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error encoding chat message")
		return false
	}

	if !c.hub.broadcastMessage(saved.ID, frame) {
		return false
	}
	metrics.MessagesPublished.Inc()
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logging.Error().Err(err).Str("addr", c.addr).Msg("Error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
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
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	case <-c.hub.ctx.Done():
		return false
	}
}

// closeConnection safely closes the connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error closing connection in writePump")
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error writing close message")
	}
	return false
}

// writeTextMessage writes a text frame holding message and any envelopes
// already queued behind it, one per line.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error creating writer")
		return false
	}

	if !c.writeMessageContent(w, message) {
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	return c.closeWriter(w)
}

func (c *Client) writeMessageContent(w io.WriteCloser, message []byte) bool {
	if _, err := w.Write(message); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error writing message")
		return false
	}
	return true
}

func (c *Client) writeQueuedMessages(w io.WriteCloser) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.writeQueuedMessage(w) {
			return false
		}
	}
	return true
}

func (c *Client) writeQueuedMessage(w io.WriteCloser) bool {
	next, ok := <-c.send
	if !ok {
		// Unregistered while coalescing; flush what was written.
		c.closeWriter(w)
		return false
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error writing newline")
		return false
	}
	if _, err := w.Write(next); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error writing queued message")
		return false
	}
	return true
}

func (c *Client) closeWriter(w io.WriteCloser) bool {
	if err := w.Close(); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error closing writer")
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		logging.Error().Err(err).Str("addr", c.addr).Msg("Error writing ping message")
		return false
	}
	return true
}
