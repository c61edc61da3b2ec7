package websocket

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pulsechat/internal/config"
	"pulsechat/internal/dispatch"
	"pulsechat/internal/infrastructure"
)

// ClientConfig holds the per-connection timing and buffer limits
type ClientConfig struct {
	// Time allowed to write a message to the peer
	WriteWait time.Duration
	// Time allowed to read the next pong message from the peer
	PongWait time.Duration
	// Send pings to peer with this period. Must be less than PongWait
	PingPeriod time.Duration
	// Maximum message size allowed from peer
	MaxMessageSize int64
	// Frames queued for writing before Send reports Backpressured
	SendBuffer int
}

// ClientConfigFrom derives a ClientConfig from the application configuration
func ClientConfigFrom(cfg config.WebSocketConfig) ClientConfig {
	return ClientConfig{
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBufferSize,
	}
}

// FrameHandler processes one inbound frame. Frames of a connection are
// handled sequentially.
type FrameHandler func(ctx context.Context, c *Client, frame []byte)

// Client is a middleman between the websocket connection and the registry.
// It implements Conn: Send queues a frame for the write pump.
type Client struct {
	conn Connection

	// Buffered channel of outbound messages
	send chan []byte

	// mu guards closed so Send never writes to a closed channel
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	// close frame sent by WritePump once send is closed
	closeCode   int
	closeReason string

	id          string
	userID      string
	session     dispatch.Session
	traceID     string
	remoteAddr  string
	connectedAt time.Time

	cfg     ClientConfig
	logger  *slog.Logger
	metrics *Metrics
	otel    *OTelMetrics

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
}

// NewClient wraps conn for userID
func NewClient(conn Connection, userID, traceID string, cfg ClientConfig, logger *slog.Logger, metrics *Metrics) *Client {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = config.WebSocketSendBuffer
	}

	id := uuid.New().String()
	return &Client{
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		id:          id,
		userID:      userID,
		traceID:     traceID,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		cfg:         cfg,
		logger: logger.With(
			slog.String("component", "websocket.client"),
			slog.String("user_id", userID),
		),
		metrics: metrics,
	}
}

// ID implements Conn
func (c *Client) ID() string {
	return c.id
}

// UserID returns the normalized id of the connection's user
func (c *Client) UserID() string {
	return c.userID
}

// Session returns the session the connection was opened with
func (c *Client) Session() dispatch.Session {
	return c.session
}

// RemoteAddr returns the peer address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Send implements Conn. It never blocks: a full buffer drops the frame.
func (c *Client) Send(frame []byte) DeliveryStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return Closed
	}
	select {
	case c.send <- frame:
		return Sent
	default:
		return Backpressured
	}
}

// Close stops the write pump, which sends a close frame and closes the
// connection. It is safe to call more than once.
func (c *Client) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith is Close with the code and reason of the close frame. Only the
// first Close or CloseWith has any effect.
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *Client) context() context.Context {
	ctx := infrastructure.WithConnectionID(context.Background(), c.id)
	if c.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, c.traceID)
	}
	return ctx
}

// ReadPump reads frames until the connection fails and passes each to
// handle. On return the client is closed.
func (c *Client) ReadPump(handle FrameHandler) {
	ctx := c.context()
	defer func() {
		c.logger.InfoContext(ctx, "WebSocket client disconnected (readPump)",
			slog.Duration("connection_duration", time.Since(c.connectedAt)),
			slog.Int64("messages_received", c.messagesReceived.Load()),
			slog.Int64("bytes_received", c.bytesReceived.Load()))
		c.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.ErrorContext(ctx, "Unexpected WebSocket close error",
					slog.String("error", err.Error()))
			}
			return
		}
		message = bytes.TrimSpace(message)
		if len(message) == 0 {
			continue
		}

		c.messagesReceived.Add(1)
		c.bytesReceived.Add(int64(len(message)))
		c.metrics.RecordMessage("received", int64(len(message)), true)
		c.otel.RecordMessage(ctx, "inbound", int64(len(message)))

		if handle != nil {
			handle(ctx, c, message)
		}
	}
}

// WritePump drains the send buffer to the connection and keeps it alive with
// pings
func (c *Client) WritePump() {
	ctx := c.context()
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.logger.InfoContext(ctx, "WebSocket write pump stopped",
			slog.Int64("messages_sent", c.messagesSent.Load()),
			slog.Int64("bytes_sent", c.bytesSent.Load()))
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteClose(c.closeCode, c.closeReason, time.Now().Add(c.cfg.WriteWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.metrics.RecordMessage("sent", int64(len(message)), false)
				c.logger.ErrorContext(ctx, "Error writing message to WebSocket",
					slog.String("error", err.Error()))
				// Stop accepting frames so broadcasters see Closed
				c.Close()
				return
			}
			c.messagesSent.Add(1)
			c.bytesSent.Add(int64(len(message)))
			c.metrics.RecordMessage("sent", int64(len(message)), true)
			c.otel.RecordMessage(ctx, "outbound", int64(len(message)))
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(ctx, "Failed to send ping message",
					slog.String("error", err.Error()))
				c.Close()
				return
			}
		}
	}
}
