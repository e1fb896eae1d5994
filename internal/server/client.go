package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one client transport. Outbound frames go through a buffered
// send channel drained by the write pump; inbound text frames are delivered on
// Inbound, which is closed once the peer goes away.
//
// A Connection built with a nil websocket has no pumps. Tests use it to drive
// a session directly through Outbound and Inbound.
type Connection struct {
	id     string
	addr   string
	params url.Values
	ws     *websocket.Conn
	logger *slog.Logger

	maxMessageSize int64
	idleTimeout    time.Duration
	writeTimeout   time.Duration
	pingPeriod     time.Duration

	send    chan []byte
	inbound chan []byte
	done    chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	inputOnce   sync.Once

	// Owned by the session goroutine.
	userID string
	roomID string
}

// NewConnection wraps ws. params are the query parameters of the upgrade request.
func NewConnection(ws *websocket.Conn, addr string, params url.Values, cfg Config, logger *slog.Logger) *Connection {
	cfg = sanitizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	if params == nil {
		params = url.Values{}
	}

	id := uuid.NewString()
	return &Connection{
		id:             id,
		addr:           addr,
		params:         params,
		ws:             ws,
		logger:         logger.With("conn", id, "addr", addr),
		maxMessageSize: cfg.MaxMessageSize,
		idleTimeout:    cfg.IdleTimeout,
		writeTimeout:   cfg.WriteTimeout,
		pingPeriod:     cfg.pingPeriod(),
		send:           make(chan []byte, cfg.SendBufferSize),
		inbound:        make(chan []byte),
		done:           make(chan struct{}),
		closeCode:      websocket.CloseNormalClosure,
	}
}

// ID returns the unique connection id.
func (c *Connection) ID() string { return c.id }

// Addr returns the remote address.
func (c *Connection) Addr() string { return c.addr }

// Param returns a connection parameter supplied at connect time.
func (c *Connection) Param(name string) string { return c.params.Get(name) }

// UserID returns the verified user id, empty until authentication succeeds.
// Only the owning session may call it while the session runs.
func (c *Connection) UserID() string { return c.userID }

// RoomID returns the joined room, empty when not in a room. Same ownership
// rule as UserID.
func (c *Connection) RoomID() string { return c.roomID }

// Outbound returns the queue of encoded frames awaiting transmission.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Inbound returns the frames received from the peer.
func (c *Connection) Inbound() <-chan []byte { return c.inbound }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send encodes msg as one JSON record and queues it.
func (c *Connection) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue never blocks. The lock orders it against Close so a send can't hit
// a closed channel.
func (c *Connection) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down with the given close code and reason. Frames
// already queued are flushed before the close frame. Calling Close again has
// no effect.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	close(c.done)
	c.mu.Unlock()

	c.logger.Debug("connection closed", "code", code, "reason", reason)

	if c.ws == nil {
		c.endInput()
	}
}

// CloseStatus reports whether the connection is closed and with which code.
func (c *Connection) CloseStatus() (code int, reason string, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closed
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	_, _, closed := c.CloseStatus()
	return closed
}

func (c *Connection) endInput() {
	c.inputOnce.Do(func() { close(c.inbound) })
}

// Start launches the read and write pumps.
func (c *Connection) Start() {
	if c.ws == nil {
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *Connection) extendReadDeadline() {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		c.logger.Debug("error setting read deadline", "error", err)
	}
}

// setupReadConnection configures the read limit, read deadline and pong handler.
func (c *Connection) setupReadConnection() {
	c.ws.SetReadLimit(c.maxMessageSize)
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

// handleReadError logs a read failure at a level matching how expected it is.
func (c *Connection) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		c.logger.Info("websocket read error", "error", err)
	}
}

func (c *Connection) readPump() {
	defer c.endInput()

	c.setupReadConnection()

	for {
		messageType, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.extendReadDeadline()

		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", messageType)
			continue
		}

		select {
		case c.inbound <- raw:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Connection) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeTransport closes the underlying socket, which also unblocks the read pump.
func (c *Connection) closeTransport() {
	if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing websocket", "error", err)
	}
}

func (c *Connection) handleMessage(message []byte, ok bool) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Debug("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		c.writeCloseMessage()
		return false
	}

	return c.writeTextMessage(message)
}

func (c *Connection) writeCloseMessage() {
	code, reason, _ := c.CloseStatus()
	if err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", "error", err)
		}
	}
}

// writeTextMessage writes exactly one JSON record per text frame.
func (c *Connection) writeTextMessage(message []byte) bool {
	if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Info("error writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *Connection) handlePing() bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.logger.Debug("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Info("error writing ping", "error", err)
		}
		return false
	}
	return true
}
