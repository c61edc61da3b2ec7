package websocket

import (
	"time"
)

// DeliveryStatus is the outcome of handing a frame to a connection.
type DeliveryStatus int

const (
	// Sent means the frame was queued for writing.
	Sent DeliveryStatus = iota
	// Backpressured means the send buffer was full and the frame was dropped.
	Backpressured
	// Closed means the connection is gone.
	Closed
)

// String returns the lowercase name of the status
func (s DeliveryStatus) String() string {
	switch s {
	case Sent:
		return "sent"
	case Backpressured:
		return "backpressured"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a live connection as seen by the registry and the broadcaster.
// Send must not block.
type Conn interface {
	ID() string
	Send(frame []byte) DeliveryStatus
}

// Connection defines the interface for WebSocket connections
// This allows for proper mocking in tests
type Connection interface {
	// WriteMessage writes a message with the given message type and payload
	WriteMessage(messageType int, data []byte) error

	// ReadMessage reads a message from the connection
	// Returns the message type and payload
	ReadMessage() (messageType int, p []byte, err error)

	// WriteClose sends a close frame with code and reason. It does not close
	// the underlying connection.
	WriteClose(code int, reason string, deadline time.Time) error

	// Close closes the connection
	Close() error

	// SetReadDeadline sets the read deadline on the connection
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the write deadline on the connection
	SetWriteDeadline(t time.Time) error

	// SetReadLimit sets the maximum size for a message read from the connection
	SetReadLimit(limit int64)

	// SetPongHandler sets the handler for pong messages
	SetPongHandler(h func(string) error)

	// RemoteAddr returns the remote network address
	RemoteAddr() string
}
