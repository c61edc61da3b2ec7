package websocket

import (
	"log/slog"
	"sync"

	"pulsechat/internal/infrastructure"
	"pulsechat/internal/userid"
)

// PresenceFunc is told when a user gains their first connection or loses
// their last one. It runs outside the registry lock, but calls for one user
// are serialized, so it must not add or remove that user's connections.
type PresenceFunc func(userID string, online bool)

// presenceGate orders the presence announcements of one user. announced is
// the last state passed to the PresenceFunc.
type presenceGate struct {
	mu        sync.Mutex
	announced bool
	// waiters counts callers between taking the gate and releasing it
	waiters int
}

// RegistryStats summarizes the registry for health reporting
type RegistryStats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

// Registry tracks live connections by user id and channel subscriptions.
// It does not own connections: closing them is the transport's job.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]map[Conn]struct{}
	channels map[string]map[Conn]struct{}
	// memberOf lets UnsubscribeAll run without scanning every channel
	memberOf map[Conn]map[string]struct{}

	presence PresenceFunc
	gates    map[string]*presenceGate
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Registry{
		users:    make(map[string]map[Conn]struct{}),
		channels: make(map[string]map[Conn]struct{}),
		memberOf: make(map[Conn]map[string]struct{}),
		gates:    make(map[string]*presenceGate),
		logger:   logger.With(slog.String("component", "websocket.registry")),
	}
}

// OnPresence installs the presence callback. It must be set before
// connections are added.
func (r *Registry) OnPresence(fn PresenceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = fn
}

// AddConnection records c as a live connection of userID. Adding the same
// connection twice is a no-op. Malformed ids yield a NormalizationError.
func (r *Registry) AddConnection(userID string, c Conn) error {
	id, err := userid.Normalize(userID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	conns, ok := r.users[id]
	if !ok {
		conns = make(map[Conn]struct{})
		r.users[id] = conns
	}
	_, exists := conns[c]
	conns[c] = struct{}{}
	var gate *presenceGate
	if len(conns) == 1 && !exists && r.presence != nil {
		gate = r.acquireGate(id)
	}
	r.mu.Unlock()

	if !exists {
		r.logger.Debug("connection added",
			slog.String("user_id", id),
			slog.String("connection_id", c.ID()))
	}
	if gate != nil {
		r.announce(id, gate)
	}
	return nil
}

// RemoveConnection forgets c for userID. Unknown users or connections are
// ignored; a user left without connections is pruned.
func (r *Registry) RemoveConnection(userID string, c Conn) {
	id, err := userid.Normalize(userID)
	if err != nil {
		return
	}

	r.mu.Lock()
	conns, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, exists := conns[c]; !exists {
		r.mu.Unlock()
		return
	}
	delete(conns, c)
	var gate *presenceGate
	if len(conns) == 0 {
		delete(r.users, id)
		if r.presence != nil {
			gate = r.acquireGate(id)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("connection removed",
		slog.String("user_id", id),
		slog.String("connection_id", c.ID()))
	if gate != nil {
		r.announce(id, gate)
	}
}

// acquireGate returns id's presence gate, creating it on first use. r.mu
// must be held.
func (r *Registry) acquireGate(id string) *presenceGate {
	g, ok := r.gates[id]
	if !ok {
		g = &presenceGate{}
		r.gates[id] = g
	}
	g.waiters++
	return g
}

// announce publishes id's current state if it differs from the last one
// announced. The state is read under the gate, so concurrent connects and
// disconnects of one user always end on an announcement matching the
// registry.
func (r *Registry) announce(id string, g *presenceGate) {
	g.mu.Lock()
	r.mu.RLock()
	online := len(r.users[id]) > 0
	presence := r.presence
	r.mu.RUnlock()
	if online != g.announced {
		g.announced = online
		presence(id, online)
	}
	g.mu.Unlock()

	r.mu.Lock()
	g.waiters--
	if g.waiters == 0 && !g.announced {
		delete(r.gates, id)
	}
	r.mu.Unlock()
}

// Connections returns a snapshot of userID's live connections. It never
// fails: unknown and malformed ids yield an empty slice.
func (r *Registry) Connections(userID string) []Conn {
	id, err := userid.Normalize(userID)
	if err != nil {
		return []Conn{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.users[id])
}

// OnlineUsers returns the ids from userIDs that have at least one live
// connection, normalized, de-duplicated, in input order. Malformed ids are
// skipped.
func (r *Registry) OnlineUsers(userIDs []string) []string {
	online := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, raw := range userIDs {
		id, err := userid.Normalize(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if len(r.users[id]) > 0 {
			online = append(online, id)
		}
	}
	return online
}

// Subscribe adds c to channel. Subscribing twice is a no-op.
func (r *Registry) Subscribe(channel string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[Conn]struct{})
		r.channels[channel] = subs
	}
	subs[c] = struct{}{}

	member, ok := r.memberOf[c]
	if !ok {
		member = make(map[string]struct{})
		r.memberOf[c] = member
	}
	member[channel] = struct{}{}
}

// Unsubscribe removes c from channel
func (r *Registry) Unsubscribe(channel string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(channel, c)
}

// UnsubscribeAll removes c from every channel, typically on disconnect
func (r *Registry) UnsubscribeAll(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.memberOf[c] {
		r.unsubscribeLocked(channel, c)
	}
}

func (r *Registry) unsubscribeLocked(channel string, c Conn) {
	if subs, ok := r.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
	if member, ok := r.memberOf[c]; ok {
		delete(member, channel)
		if len(member) == 0 {
			delete(r.memberOf, c)
		}
	}
}

// Subscribers returns a snapshot of channel's subscribers
func (r *Registry) Subscribers(channel string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.channels[channel])
}

// Stats counts users, connections and channels
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Users:    len(r.users),
		Channels: len(r.channels),
	}
	for _, conns := range r.users {
		stats.Connections += len(conns)
	}
	return stats
}

func snapshot(set map[Conn]struct{}) []Conn {
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
