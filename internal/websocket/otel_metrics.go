package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "pulsechat.websocket"
)

// OTelMetrics provides OpenTelemetry metrics for WebSocket operations.
// A nil *OTelMetrics records nothing.
type OTelMetrics struct {
	// Connection metrics
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram

	// Message metrics
	messagesTotal metric.Int64Counter
	messageBytes  metric.Int64Counter

	// Delivery metrics
	deliveries metric.Int64Counter
	broadcasts metric.Int64Counter
}

// NewOTelMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &OTelMetrics{}
	var err error

	if m.connectionsTotal, err = meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections"),
	); err != nil {
		return nil, err
	}
	if m.connectionsActive, err = meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
	); err != nil {
		return nil, err
	}
	if m.connectionDuration, err = meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.messagesTotal, err = meter.Int64Counter(
		"websocket_messages_total",
		metric.WithDescription("Total number of WebSocket messages"),
	); err != nil {
		return nil, err
	}
	if m.messageBytes, err = meter.Int64Counter(
		"websocket_message_bytes_total",
		metric.WithDescription("Total bytes of WebSocket messages"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter(
		"websocket_deliveries_total",
		metric.WithDescription("Frames handed to connections by delivery status"),
	); err != nil {
		return nil, err
	}
	if m.broadcasts, err = meter.Int64Counter(
		"websocket_broadcast_operations_total",
		metric.WithDescription("Total number of WebSocket broadcast operations"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordConnection records a new WebSocket connection
func (m *OTelMetrics) RecordConnection(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

// RecordDisconnection records a WebSocket disconnection
func (m *OTelMetrics) RecordDisconnection(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, duration.Seconds())
}

// RecordMessage records a message in direction "inbound" or "outbound"
func (m *OTelMetrics) RecordMessage(ctx context.Context, direction string, size int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.messagesTotal.Add(ctx, 1, attrs)
	m.messageBytes.Add(ctx, size, attrs)
}

// RecordDelivery records the outcome of one Send
func (m *OTelMetrics) RecordDelivery(ctx context.Context, status DeliveryStatus) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

// RecordBroadcast records a broadcast to target ("user" or "channel")
func (m *OTelMetrics) RecordBroadcast(ctx context.Context, target string, recipients, delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.Bool("complete", recipients == delivered),
	))
}
