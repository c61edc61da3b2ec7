package websocket

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "pulsechat/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records frames and answers Send with a fixed status
type fakeConn struct {
	id     string
	status DeliveryStatus
	panics bool

	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, status: Sent}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(frame []byte) DeliveryStatus {
	if f.panics {
		panic("send on broken connection")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == Sent {
		f.frames = append(f.frames, frame)
	}
	return f.status
}

func (f *fakeConn) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = string(fr)
	}
	return out
}

func TestRegistryAddConnectionIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newFakeConn("c1")

	require.NoError(t, r.AddConnection("42", c))
	require.NoError(t, r.AddConnection(" 042 ", c))

	assert.Len(t, r.Connections("42"), 1)
	assert.Equal(t, RegistryStats{Users: 1, Connections: 1}, r.Stats())
}

func TestRegistryRemoveConnectionIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	require.NoError(t, r.AddConnection("7", c1))
	require.NoError(t, r.AddConnection("7", c2))

	r.RemoveConnection("7", c1)
	r.RemoveConnection("7", c1)
	assert.Equal(t, []Conn{c2}, r.Connections("7"))

	r.RemoveConnection("7", c2)
	assert.Empty(t, r.Connections("7"))
	assert.Equal(t, 0, r.Stats().Users)

	// unknown and malformed ids are ignored
	r.RemoveConnection("8", c1)
	r.RemoveConnection("x", c1)
}

func TestRegistryRejectsMalformedIDs(t *testing.T) {
	r := NewRegistry(testLogger())

	err := r.AddConnection("42e3", newFakeConn("c1"))
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.ErrTypeNormalization))
	assert.Empty(t, r.Connections("42e3"))
	assert.Equal(t, 0, r.Stats().Connections)
}

func TestRegistryConnectionsReturnsSnapshot(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newFakeConn("c1")
	require.NoError(t, r.AddConnection("1", c))

	conns := r.Connections("1")
	r.RemoveConnection("1", c)

	assert.Len(t, conns, 1)
	assert.Empty(t, r.Connections("1"))
	assert.NotNil(t, r.Connections("unknown"))
}

func TestRegistryOnlineUsers(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.AddConnection("3", newFakeConn("a")))
	require.NoError(t, r.AddConnection("1", newFakeConn("b")))
	require.NoError(t, r.AddConnection("", newFakeConn("c")))

	online := r.OnlineUsers([]string{"1", "2", "03", "bad", " 1", "", "3"})

	assert.Equal(t, []string{"1", "3", "0"}, online)
	assert.Empty(t, r.OnlineUsers(nil))
}

func TestRegistrySubscriptions(t *testing.T) {
	r := NewRegistry(testLogger())
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")

	r.Subscribe("room", c1)
	r.Subscribe("room", c1)
	r.Subscribe("room", c2)
	r.Subscribe("lobby", c1)
	assert.Len(t, r.Subscribers("room"), 2)
	assert.Equal(t, 2, r.Stats().Channels)

	r.Unsubscribe("room", c2)
	assert.Equal(t, []Conn{c1}, r.Subscribers("room"))

	r.UnsubscribeAll(c1)
	assert.Empty(t, r.Subscribers("room"))
	assert.Empty(t, r.Subscribers("lobby"))
	assert.Equal(t, 0, r.Stats().Channels)
}

func TestRegistryPresenceHook(t *testing.T) {
	r := NewRegistry(testLogger())

	type change struct {
		user   string
		online bool
	}
	var changes []change
	r.OnPresence(func(userID string, online bool) {
		// the lock is not held while the hook runs
		_ = r.Stats()
		changes = append(changes, change{userID, online})
	})

	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	require.NoError(t, r.AddConnection("5", c1))
	require.NoError(t, r.AddConnection("5", c2))
	require.NoError(t, r.AddConnection("5", c2))
	r.RemoveConnection("5", c1)
	r.RemoveConnection("5", c2)

	assert.Equal(t, []change{{"5", true}, {"5", false}}, changes)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn("c")
			for j := 0; j < 50; j++ {
				_ = r.AddConnection("9", c)
				r.Subscribe("room", c)
				_ = r.Connections("9")
				_ = r.OnlineUsers([]string{"9"})
				r.UnsubscribeAll(c)
				r.RemoveConnection("9", c)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, RegistryStats{}, r.Stats())
}

func TestRegistryPresenceReconnectWhileAnnouncingOffline(t *testing.T) {
	r := NewRegistry(testLogger())

	var mu sync.Mutex
	var events []bool
	offlineStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	r.OnPresence(func(userID string, online bool) {
		if !online {
			once.Do(func() {
				close(offlineStarted)
				<-release
			})
		}
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
	})

	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	require.NoError(t, r.AddConnection("7", c1))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.RemoveConnection("7", c1)
	}()
	<-offlineStarted

	// a reload: the new tab connects while the old one's offline is in flight
	go func() {
		defer wg.Done()
		assert.NoError(t, r.AddConnection("7", c2))
	}()
	require.Eventually(t, func() bool {
		return len(r.Connections("7")) == 1
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, []bool{true, false, true}, events)
	assert.Equal(t, []string{"7"}, r.OnlineUsers([]string{"7"}))
}

func TestRegistryPresenceMatchesFinalState(t *testing.T) {
	r := NewRegistry(testLogger())

	var mu sync.Mutex
	last := make(map[string]bool)
	r.OnPresence(func(userID string, online bool) {
		mu.Lock()
		defer mu.Unlock()
		assert.NotEqual(t, last[userID], online, "repeated presence state")
		last[userID] = online
	})

	keep := newFakeConn("keep")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("c%d", i))
			for j := 0; j < 50; j++ {
				_ = r.AddConnection("3", c)
				r.RemoveConnection("3", c)
			}
			if i == 0 {
				_ = r.AddConnection("3", keep)
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, last["3"])
	assert.Len(t, r.Connections("3"), 1)

	r.RemoveConnection("3", keep)
	assert.False(t, last["3"])
	r.mu.RLock()
	assert.Empty(t, r.gates)
	r.mu.RUnlock()
}
