package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMockClosed is returned by a closed MockConnection
var ErrMockClosed = errors.New("connection closed")

// MockConnection is an in-memory Connection for tests. Reads are served from
// ReadMessages; once they are exhausted ReadMessage blocks until Close.
type MockConnection struct {
	mu sync.Mutex

	// WriteMessageFunc overrides the default write behavior
	WriteMessageFunc func(messageType int, data []byte) error
	WrittenMessages  []MockMessage

	ReadMessages []MockMessage
	ReadIndex    int

	Closed bool
	done   chan struct{}

	ReadDeadline  time.Time
	WriteDeadline time.Time
	PongHandler   func(string) error

	RemoteAddress string
	ReadLimit     int64
	// CloseCode is the code of the last close frame written
	CloseCode int
}

// MockMessage represents a message for mocking
type MockMessage struct {
	Type int
	Data []byte
	Err  error
}

// NewMockConnection creates a new mock connection
func NewMockConnection() *MockConnection {
	return &MockConnection{
		RemoteAddress: "127.0.0.1:8080",
		done:          make(chan struct{}),
	}
}

// WriteMessage implements Connection.WriteMessage
func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return ErrMockClosed
	}
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}

	m.WrittenMessages = append(m.WrittenMessages, MockMessage{
		Type: messageType,
		Data: append([]byte(nil), data...),
	})
	return nil
}

// ReadMessage implements Connection.ReadMessage
func (m *MockConnection) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	if m.Closed {
		m.mu.Unlock()
		return 0, nil, ErrMockClosed
	}
	if m.ReadIndex < len(m.ReadMessages) {
		msg := m.ReadMessages[m.ReadIndex]
		m.ReadIndex++
		m.mu.Unlock()
		return msg.Type, msg.Data, msg.Err
	}
	done := m.done
	m.mu.Unlock()

	<-done
	return 0, nil, ErrMockClosed
}

// WriteClose implements Connection.WriteClose. The close frame is recorded
// in WrittenMessages.
func (m *MockConnection) WriteClose(code int, reason string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return ErrMockClosed
	}
	m.CloseCode = code
	m.WrittenMessages = append(m.WrittenMessages, MockMessage{
		Type: websocket.CloseMessage,
		Data: websocket.FormatCloseMessage(code, reason),
	})
	return nil
}

// Close implements Connection.Close
func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Closed {
		m.Closed = true
		close(m.done)
	}
	return nil
}

// SetReadDeadline implements Connection.SetReadDeadline
func (m *MockConnection) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadDeadline = t
	return nil
}

// SetWriteDeadline implements Connection.SetWriteDeadline
func (m *MockConnection) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteDeadline = t
	return nil
}

// SetReadLimit implements Connection.SetReadLimit
func (m *MockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadLimit = limit
}

// SetPongHandler implements Connection.SetPongHandler
func (m *MockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PongHandler = h
}

// RemoteAddr implements Connection.RemoteAddr
func (m *MockConnection) RemoteAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RemoteAddress
}

// AddReadMessage queues a message to be returned by ReadMessage
func (m *MockConnection) AddReadMessage(messageType int, data []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadMessages = append(m.ReadMessages, MockMessage{Type: messageType, Data: data, Err: err})
}

// GetWrittenMessages returns all messages written to the connection
func (m *MockConnection) GetWrittenMessages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockMessage, len(m.WrittenMessages))
	copy(result, m.WrittenMessages)
	return result
}

// IsClosed reports whether Close was called
func (m *MockConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}
