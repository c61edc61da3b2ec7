package websocket

import (
	"sync"
	"time"
)

// Metrics tracks WebSocket counters for the health endpoint. OpenTelemetry
// instruments live in OTelMetrics.
type Metrics struct {
	mu sync.RWMutex

	// Connection metrics
	TotalConnections  int64
	ActiveConnections int64
	RejectedUpgrades  int64
	MaxConcurrent     int64
	AvgConnectionTime time.Duration

	// Message metrics
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	MessageErrors    int64

	// Delivery metrics
	Broadcasts      int64
	Delivered       int64
	DroppedMessages int64
	ClosedTargets   int64

	// Error metrics by type
	ErrorsByType map[string]int64

	LastReset       time.Time
	connectionTimes []time.Duration
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ErrorsByType:    make(map[string]int64),
		LastReset:       time.Now(),
		connectionTimes: make([]time.Duration, 0, 100),
	}
}

// RecordConnection records a new connection
func (m *Metrics) RecordConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalConnections++
	m.ActiveConnections++
	if m.ActiveConnections > m.MaxConcurrent {
		m.MaxConcurrent = m.ActiveConnections
	}
}

// RecordRejectedUpgrade records an upgrade refused before a connection existed
func (m *Metrics) RecordRejectedUpgrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RejectedUpgrades++
}

// RecordDisconnection records a disconnection
func (m *Metrics) RecordDisconnection(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ActiveConnections--

	// Keep the last 100 durations for the moving average
	m.connectionTimes = append(m.connectionTimes, duration)
	if len(m.connectionTimes) > 100 {
		m.connectionTimes = m.connectionTimes[1:]
	}
	var total time.Duration
	for _, d := range m.connectionTimes {
		total += d
	}
	m.AvgConnectionTime = total / time.Duration(len(m.connectionTimes))
}

// RecordMessage records message metrics
func (m *Metrics) RecordMessage(direction string, size int64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch direction {
	case "sent":
		m.MessagesSent++
		m.BytesSent += size
	case "received":
		m.MessagesReceived++
		m.BytesReceived += size
	}
	if !success {
		m.MessageErrors++
	}
}

// RecordDelivery records the outcome of one Send
func (m *Metrics) RecordDelivery(status DeliveryStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch status {
	case Sent:
		m.Delivered++
	case Backpressured:
		m.DroppedMessages++
	case Closed:
		m.ClosedTargets++
	}
}

// RecordBroadcast records one broadcast
func (m *Metrics) RecordBroadcast() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Broadcasts++
}

// RecordError records an error by type
func (m *Metrics) RecordError(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorsByType[errorType]++
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errorCounts := make(map[string]int64, len(m.ErrorsByType))
	for k, v := range m.ErrorsByType {
		errorCounts[k] = v
	}

	return map[string]interface{}{
		"connections": map[string]interface{}{
			"total":           m.TotalConnections,
			"active":          m.ActiveConnections,
			"rejected":        m.RejectedUpgrades,
			"max_concurrent":  m.MaxConcurrent,
			"avg_duration_ms": m.AvgConnectionTime.Milliseconds(),
		},
		"messages": map[string]interface{}{
			"sent":           m.MessagesSent,
			"received":       m.MessagesReceived,
			"bytes_sent":     m.BytesSent,
			"bytes_received": m.BytesReceived,
			"errors":         m.MessageErrors,
		},
		"deliveries": map[string]interface{}{
			"broadcasts": m.Broadcasts,
			"delivered":  m.Delivered,
			"dropped":    m.DroppedMessages,
			"closed":     m.ClosedTargets,
		},
		"errors":         errorCounts,
		"uptime_seconds": time.Since(m.LastReset).Seconds(),
	}
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalConnections = 0
	m.ActiveConnections = 0
	m.RejectedUpgrades = 0
	m.MaxConcurrent = 0
	m.AvgConnectionTime = 0
	m.MessagesSent = 0
	m.MessagesReceived = 0
	m.BytesSent = 0
	m.BytesReceived = 0
	m.MessageErrors = 0
	m.Broadcasts = 0
	m.Delivered = 0
	m.DroppedMessages = 0
	m.ClosedTargets = 0
	m.ErrorsByType = make(map[string]int64)
	m.LastReset = time.Now()
	m.connectionTimes = make([]time.Duration, 0, 100)
}
