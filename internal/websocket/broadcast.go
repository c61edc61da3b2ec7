package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	apierrors "pulsechat/internal/errors"
	"pulsechat/internal/infrastructure"
	"pulsechat/internal/userid"
)

// BroadcastPrefix is prepended to the event name of every broadcast envelope
const BroadcastPrefix = "broadcast:"

// Envelope is the JSON frame pushed to WebSocket clients, both for
// broadcasts and for replies to inbound events.
type Envelope struct {
	Event   string `json:"event"`
	Status  int    `json:"status"`
	Payload any    `json:"payload"`
	// ID echoes the client's correlation id on replies
	ID string `json:"id,omitempty"`
}

// NewEnvelope builds the broadcast envelope for event
func NewEnvelope(event string, payload any) Envelope {
	return Envelope{
		Event:   BroadcastPrefix + event,
		Status:  http.StatusOK,
		Payload: payload,
	}
}

// Publisher fans a broadcast out. The local Broadcaster delivers to this
// process; the relay delivers to every instance.
type Publisher interface {
	PublishToUser(ctx context.Context, userID, event string, payload any) error
	PublishToChannel(ctx context.Context, channel, event string, payload any) error
}

// Broadcaster delivers envelopes to the live connections of this process
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	otel     *OTelMetrics
	business *infrastructure.BusinessMetrics
}

// BroadcasterOption configures a Broadcaster
type BroadcasterOption func(*Broadcaster)

// WithMetrics sets the counters updated on every delivery
func WithMetrics(m *Metrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// WithOTelMetrics sets the OpenTelemetry instruments
func WithOTelMetrics(m *OTelMetrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.otel = m
	}
}

// WithBusinessMetrics sets the application-wide broadcast counters
func WithBusinessMetrics(m *infrastructure.BusinessMetrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.business = m
	}
}

// NewBroadcaster creates a broadcaster reading connections from registry
func NewBroadcaster(registry *Registry, logger *slog.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	b := &Broadcaster{
		registry: registry,
		logger:   logger.With(slog.String("component", "websocket.broadcaster")),
		metrics:  NewMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BroadcastToUser sends event to every connection of userID and returns how
// many accepted the frame. A malformed id delivers nothing and is logged.
func (b *Broadcaster) BroadcastToUser(ctx context.Context, userID, event string, payload any) int {
	id, err := userid.Normalize(userID)
	if err != nil {
		b.logger.WarnContext(ctx, "broadcast to malformed user id",
			slog.String("user_id", userID),
			slog.String("event", event),
			slog.String("error", err.Error()))
		return 0
	}

	conns := b.registry.Connections(id)
	if len(conns) == 0 {
		b.logger.DebugContext(ctx, "broadcast target has no live connections",
			slog.String("user_id", id),
			slog.String("event", event))
		return 0
	}

	frame, ok := b.encode(ctx, event, payload)
	if !ok {
		return 0
	}
	return b.deliver(ctx, "user", conns, frame)
}

// BroadcastToUsers sends event to every connection of each listed user. The
// envelope is encoded once; duplicate and malformed ids are skipped.
func (b *Broadcaster) BroadcastToUsers(ctx context.Context, userIDs []string, event string, payload any) int {
	var conns []Conn
	seen := make(map[string]struct{}, len(userIDs))
	for _, raw := range userIDs {
		id, err := userid.Normalize(raw)
		if err != nil {
			b.logger.WarnContext(ctx, "skipping malformed user id",
				slog.String("user_id", raw),
				slog.String("event", event))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		conns = append(conns, b.registry.Connections(id)...)
	}
	if len(conns) == 0 {
		b.logger.DebugContext(ctx, "broadcast targets have no live connections",
			slog.Int("users", len(seen)),
			slog.String("event", event))
		return 0
	}

	frame, ok := b.encode(ctx, event, payload)
	if !ok {
		return 0
	}
	return b.deliver(ctx, "users", conns, frame)
}

// BroadcastToChannel sends event to every subscriber of channel
func (b *Broadcaster) BroadcastToChannel(ctx context.Context, channel, event string, payload any) int {
	conns := b.registry.Subscribers(channel)
	if len(conns) == 0 {
		b.logger.DebugContext(ctx, "broadcast channel has no subscribers",
			slog.String("channel", channel),
			slog.String("event", event))
		return 0
	}

	frame, ok := b.encode(ctx, event, payload)
	if !ok {
		return 0
	}
	return b.deliver(ctx, "channel", conns, frame)
}

// PublishToUser implements Publisher for single-instance deployments
func (b *Broadcaster) PublishToUser(ctx context.Context, userID, event string, payload any) error {
	b.BroadcastToUser(ctx, userID, event, payload)
	return nil
}

// PublishToChannel implements Publisher for single-instance deployments
func (b *Broadcaster) PublishToChannel(ctx context.Context, channel, event string, payload any) error {
	b.BroadcastToChannel(ctx, channel, event, payload)
	return nil
}

// Metrics returns the delivery counters
func (b *Broadcaster) Metrics() *Metrics {
	return b.metrics
}

func (b *Broadcaster) encode(ctx context.Context, event string, payload any) ([]byte, bool) {
	frame, err := Encode(NewEnvelope(event, payload))
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to encode broadcast envelope",
			slog.String("event", event),
			slog.String("error", err.Error()))
		b.metrics.RecordError("encode")
		return nil, false
	}
	return frame, true
}

// deliver hands frame to each connection. Failures are logged and skipped;
// there are no retries.
func (b *Broadcaster) deliver(ctx context.Context, target string, conns []Conn, frame []byte) int {
	delivered := 0
	for _, c := range conns {
		status, err := b.send(c, frame)
		b.metrics.RecordDelivery(status)
		b.otel.RecordDelivery(ctx, status)
		if err == nil {
			delivered++
			continue
		}
		b.logger.WarnContext(ctx, "broadcast delivery failed",
			slog.String("connection_id", c.ID()),
			slog.String("status", status.String()),
			slog.String("error", err.Error()))
	}

	b.metrics.RecordBroadcast()
	b.otel.RecordBroadcast(ctx, target, len(conns), delivered)
	b.business.RecordBroadcast(ctx, target, delivered, len(conns)-delivered)
	return delivered
}

func (b *Broadcaster) send(c Conn, frame []byte) (status DeliveryStatus, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			status = Closed
			err = apierrors.NewDeliveryError(c.ID(), fmt.Errorf("send panicked: %v", rec))
		}
	}()

	status = c.Send(frame)
	if status != Sent {
		return status, apierrors.NewDeliveryError(c.ID(), fmt.Errorf("connection %s", status))
	}
	return status, nil
}
