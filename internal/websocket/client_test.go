package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsechat/internal/config"
)

func testClientConfig() ClientConfig {
	cfg := ClientConfigFrom(config.Default().WebSocket)
	cfg.SendBuffer = 2
	return cfg
}

func TestClientSendStatuses(t *testing.T) {
	conn := NewMockConnection()
	c := NewClient(conn, "1", "trace", testClientConfig(), testLogger(), nil)

	assert.Equal(t, Sent, c.Send([]byte("a")))
	assert.Equal(t, Sent, c.Send([]byte("b")))
	assert.Equal(t, Backpressured, c.Send([]byte("c")))

	c.Close()
	c.Close()
	assert.Equal(t, Closed, c.Send([]byte("d")))
}

func TestClientIdentity(t *testing.T) {
	conn := NewMockConnection()
	conn.RemoteAddress = "10.0.0.1:5555"
	c := NewClient(conn, "7", "", testClientConfig(), nil, nil)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "7", c.UserID())
	assert.Equal(t, "10.0.0.1:5555", c.RemoteAddr())
	assert.Nil(t, c.Session())

	other := NewClient(conn, "7", "", testClientConfig(), nil, nil)
	assert.NotEqual(t, c.ID(), other.ID())
}

func TestClientWritePump(t *testing.T) {
	conn := NewMockConnection()
	metrics := NewMetrics()
	c := NewClient(conn, "1", "", testClientConfig(), testLogger(), metrics)

	done := make(chan struct{})
	go func() {
		c.WritePump()
		close(done)
	}()

	require.Equal(t, Sent, c.Send([]byte(`{"event":"x"}`)))
	require.Eventually(t, func() bool {
		return len(conn.GetWrittenMessages()) == 1
	}, time.Second, 5*time.Millisecond)

	c.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop")
	}

	written := conn.GetWrittenMessages()
	require.Len(t, written, 2)
	assert.Equal(t, websocket.TextMessage, written[0].Type)
	assert.Equal(t, `{"event":"x"}`, string(written[0].Data))
	assert.Equal(t, websocket.CloseMessage, written[1].Type)
	assert.Equal(t, websocket.CloseNormalClosure, conn.CloseCode)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, int64(1), metrics.MessagesSent)
}

func TestClientWritePumpWriteErrorClosesClient(t *testing.T) {
	conn := NewMockConnection()
	conn.WriteMessageFunc = func(int, []byte) error {
		return errors.New("broken pipe")
	}
	metrics := NewMetrics()
	c := NewClient(conn, "1", "", testClientConfig(), testLogger(), metrics)

	done := make(chan struct{})
	go func() {
		c.WritePump()
		close(done)
	}()
	require.Equal(t, Sent, c.Send([]byte("x")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop")
	}
	assert.Equal(t, Closed, c.Send([]byte("y")))
	assert.Equal(t, int64(1), metrics.MessageErrors)
}

func TestClientReadPump(t *testing.T) {
	conn := NewMockConnection()
	conn.AddReadMessage(websocket.TextMessage, []byte(` {"event":"a"} `), nil)
	conn.AddReadMessage(websocket.TextMessage, []byte("   "), nil)
	conn.AddReadMessage(websocket.TextMessage, []byte(`{"event":"b"}`), nil)
	conn.AddReadMessage(0, nil, errors.New("eof"))

	cfg := testClientConfig()
	metrics := NewMetrics()
	c := NewClient(conn, "1", "trace-1", cfg, testLogger(), metrics)

	var mu sync.Mutex
	var frames []string
	c.ReadPump(func(ctx context.Context, got *Client, frame []byte) {
		assert.Same(t, c, got)
		mu.Lock()
		frames = append(frames, string(frame))
		mu.Unlock()
	})

	assert.Equal(t, []string{`{"event":"a"}`, `{"event":"b"}`}, frames)
	assert.Equal(t, cfg.MaxMessageSize, conn.ReadLimit)
	assert.NotNil(t, conn.PongHandler)
	assert.Equal(t, int64(2), metrics.MessagesReceived)
	// the read pump closes the client on exit
	assert.Equal(t, Closed, c.Send([]byte("x")))
}
