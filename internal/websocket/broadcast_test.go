package websocket

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T) (*Registry, *Broadcaster) {
	t.Helper()
	r := NewRegistry(testLogger())
	return r, NewBroadcaster(r, testLogger())
}

func TestBroadcastToUserCountsPartialFailure(t *testing.T) {
	r, b := newTestBroadcaster(t)
	c1, c2, c3 := newFakeConn("c1"), newFakeConn("c2"), newFakeConn("c3")
	c2.status = Closed
	for _, c := range []*fakeConn{c1, c2, c3} {
		require.NoError(t, r.AddConnection("42", c))
	}

	delivered := b.BroadcastToUser(context.Background(), "42", "message", map[string]string{"text": "hi"})

	assert.Equal(t, 2, delivered)
	want := `{"event":"broadcast:message","status":200,"payload":{"text":"hi"}}`
	assert.Equal(t, []string{want}, c1.Frames())
	assert.Equal(t, []string{want}, c3.Frames())
	assert.Empty(t, c2.Frames())

	m := b.Metrics()
	assert.Equal(t, int64(2), m.Delivered)
	assert.Equal(t, int64(1), m.ClosedTargets)
	assert.Equal(t, int64(1), m.Broadcasts)
}

func TestBroadcastToUserBackpressureAndPanic(t *testing.T) {
	r, b := newTestBroadcaster(t)
	full, broken, ok := newFakeConn("full"), newFakeConn("broken"), newFakeConn("ok")
	full.status = Backpressured
	broken.panics = true
	for _, c := range []*fakeConn{full, broken, ok} {
		require.NoError(t, r.AddConnection("1", c))
	}

	var delivered int
	require.NotPanics(t, func() {
		delivered = b.BroadcastToUser(context.Background(), "1", "tick", nil)
	})

	assert.Equal(t, 1, delivered)
	assert.Len(t, ok.Frames(), 1)
	assert.Equal(t, int64(1), b.Metrics().DroppedMessages)
}

func TestBroadcastToUserNormalizesID(t *testing.T) {
	r, b := newTestBroadcaster(t)
	c := newFakeConn("c1")
	require.NoError(t, r.AddConnection("42", c))

	assert.Equal(t, 1, b.BroadcastToUser(context.Background(), " 042 ", "x", nil))
}

func TestBroadcastToUserInvalidOrUnknown(t *testing.T) {
	r, b := newTestBroadcaster(t)
	c := newFakeConn("c1")
	require.NoError(t, r.AddConnection("42", c))

	assert.Equal(t, 0, b.BroadcastToUser(context.Background(), "42e3", "x", nil))
	assert.Equal(t, 0, b.BroadcastToUser(context.Background(), "7", "x", nil))
	assert.Empty(t, c.Frames())
	assert.Equal(t, int64(0), b.Metrics().Broadcasts)
}

func TestBroadcastToChannelPresenceEnvelope(t *testing.T) {
	r, b := newTestBroadcaster(t)
	s1, s2, other := newFakeConn("s1"), newFakeConn("s2"), newFakeConn("o")
	r.Subscribe("change_online", s1)
	r.Subscribe("change_online", s2)
	r.Subscribe("elsewhere", other)

	delivered := b.BroadcastToChannel(context.Background(), "change_online", "change_online",
		PresenceChange{UserID: "42", Status: StatusOnline})

	assert.Equal(t, 2, delivered)
	want := `{"event":"broadcast:change_online","status":200,"payload":{"userId":"42","status":"online"}}`
	assert.Equal(t, []string{want}, s1.Frames())
	assert.Equal(t, []string{want}, s2.Frames())
	assert.Empty(t, other.Frames())
}

func TestBroadcastToChannelWithoutSubscribers(t *testing.T) {
	_, b := newTestBroadcaster(t)

	assert.Equal(t, 0, b.BroadcastToChannel(context.Background(), "empty", "x", nil))
}

func TestBroadcastToUsersDeduplicates(t *testing.T) {
	r, b := newTestBroadcaster(t)
	a, c := newFakeConn("a"), newFakeConn("c")
	require.NoError(t, r.AddConnection("1", a))
	require.NoError(t, r.AddConnection("2", c))

	delivered := b.BroadcastToUsers(context.Background(), []string{"1", "01", "bad", "2", "3"}, "chat", "hello")

	assert.Equal(t, 2, delivered)
	assert.Len(t, a.Frames(), 1)
	assert.Len(t, c.Frames(), 1)
}

func TestBroadcastEncodesBigIntegersAsStrings(t *testing.T) {
	r, b := newTestBroadcaster(t)
	c := newFakeConn("c1")
	require.NoError(t, r.AddConnection("1", c))

	huge, _ := new(big.Int).SetString("123456789012345678901", 10)
	b.BroadcastToUser(context.Background(), "1", "ids", map[string]any{"id": huge, "n": 3})

	assert.Equal(t,
		[]string{`{"event":"broadcast:ids","status":200,"payload":{"id":"123456789012345678901","n":3}}`},
		c.Frames())
}

func TestBroadcastUnencodablePayload(t *testing.T) {
	r, b := newTestBroadcaster(t)
	c := newFakeConn("c1")
	require.NoError(t, r.AddConnection("1", c))

	assert.Equal(t, 0, b.BroadcastToUser(context.Background(), "1", "bad", make(chan int)))
	assert.Empty(t, c.Frames())
	assert.Equal(t, int64(1), b.Metrics().GetSnapshot()["errors"].(map[string]int64)["encode"])
}

func TestBroadcasterImplementsPublisher(t *testing.T) {
	r, b := newTestBroadcaster(t)
	c := newFakeConn("c1")
	require.NoError(t, r.AddConnection("9", c))
	r.Subscribe("room", c)

	var p Publisher = b
	require.NoError(t, p.PublishToUser(context.Background(), "9", "a", nil))
	require.NoError(t, p.PublishToChannel(context.Background(), "room", "b", nil))

	assert.Len(t, c.Frames(), 2)
}
