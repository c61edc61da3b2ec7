// Package relay fans broadcasts out across instances over NATS. Every
// instance publishes broadcasts to one subject and delivers what it
// receives on that subject to its own connection registry, itself included.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"pulsechat/internal/config"
	"pulsechat/internal/infrastructure"
	"pulsechat/internal/websocket"
)

// Target kinds of a relayed broadcast
const (
	KindUser    = "user"
	KindChannel = "channel"
)

// Message is the wire form of a relayed broadcast
type Message struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin"`
	TraceID string          `json:"trace_id,omitempty"`
}

// Deliverer hands a broadcast to this instance's connections
type Deliverer interface {
	BroadcastToUser(ctx context.Context, userID, event string, payload any) int
	BroadcastToChannel(ctx context.Context, channel, event string, payload any) int
}

// Relay implements websocket.Publisher on top of a NATS subject
type Relay struct {
	nc       *nats.Conn
	subject  string
	instance string
	local    Deliverer
	logger   *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// Connect opens the NATS connection described by cfg
func Connect(cfg config.RelayConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "relay"))
	name := cfg.Name
	if name == "" {
		name = config.AppName
	}

	logger.Info("connecting to NATS", slog.String("url", cfg.URL), slog.String("name", name))
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// New creates a relay publishing on subject and delivering to local
func New(nc *nats.Conn, subject, instance string, local Deliverer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if subject == "" {
		subject = config.RelaySubject
	}
	return &Relay{
		nc:       nc,
		subject:  subject,
		instance: instance,
		local:    local,
		logger: logger.With(
			slog.String("component", "relay"),
			slog.String("instance", instance),
		),
	}
}

// Start subscribes to the relay subject. Deliveries run on the NATS
// dispatch goroutine, one message at a time.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}

	sub, err := r.nc.Subscribe(r.subject, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	// make sure the server knows about the subscription before publishing
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", r.subject, err)
	}
	r.sub = sub
	r.logger.Info("relay subscribed", slog.String("subject", r.subject))
	return nil
}

// Run starts the relay and drains it when ctx ends
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop()
}

// Stop drains the subscription so in-flight broadcasts are delivered
func (r *Relay) Stop() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain %s: %w", r.subject, err)
	}
	r.logger.Info("relay stopped", slog.String("subject", r.subject))
	return nil
}

// Healthy reports whether the relay can currently reach NATS
func (r *Relay) Healthy(ctx context.Context) error {
	if !r.nc.IsConnected() {
		return fmt.Errorf("nats connection is %s", r.nc.Status())
	}
	r.mu.Lock()
	subscribed := r.sub != nil
	r.mu.Unlock()
	if !subscribed {
		return fmt.Errorf("relay is not subscribed to %s", r.subject)
	}
	return nil
}

// PublishToUser implements websocket.Publisher
func (r *Relay) PublishToUser(ctx context.Context, userID, event string, payload any) error {
	return r.publish(ctx, KindUser, userID, event, payload)
}

// PublishToChannel implements websocket.Publisher
func (r *Relay) PublishToChannel(ctx context.Context, channel, event string, payload any) error {
	return r.publish(ctx, KindChannel, channel, event, payload)
}

func (r *Relay) publish(ctx context.Context, kind, target, event string, payload any) error {
	raw, err := websocket.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode relay payload: %w", err)
	}
	data, err := json.Marshal(Message{
		Kind:    kind,
		Target:  target,
		Event:   event,
		Payload: raw,
		Origin:  r.instance,
		TraceID: infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}

	if err := r.nc.Publish(r.subject, data); err != nil {
		// this instance's connections still get it
		r.logger.WarnContext(ctx, "relay publish failed, delivering locally only",
			slog.String("kind", kind),
			slog.String("target", target),
			slog.String("event", event),
			slog.String("error", err.Error()))
		r.deliver(ctx, kind, target, event, json.RawMessage(raw))
		return fmt.Errorf("publish %s: %w", r.subject, err)
	}
	return nil
}

func (r *Relay) handle(msg *nats.Msg) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.logger.Warn("dropping malformed relay message",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()))
		return
	}

	ctx := context.Background()
	if m.TraceID != "" {
		ctx = infrastructure.WithTraceID(ctx, m.TraceID)
	}
	var payload any
	if len(m.Payload) > 0 {
		payload = m.Payload
	}
	delivered := r.deliver(ctx, m.Kind, m.Target, m.Event, payload)
	r.logger.DebugContext(ctx, "relayed broadcast delivered",
		slog.String("origin", m.Origin),
		slog.String("kind", m.Kind),
		slog.String("target", m.Target),
		slog.String("event", m.Event),
		slog.Int("delivered", delivered))
}

func (r *Relay) deliver(ctx context.Context, kind, target, event string, payload any) int {
	switch kind {
	case KindUser:
		return r.local.BroadcastToUser(ctx, target, event, payload)
	case KindChannel:
		return r.local.BroadcastToChannel(ctx, target, event, payload)
	default:
		r.logger.WarnContext(ctx, "unknown relay target kind", slog.String("kind", kind))
		return 0
	}
}
