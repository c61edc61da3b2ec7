package services

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"pulsechat/internal/infrastructure"
	ws "pulsechat/internal/websocket"
)

// Health status values
const (
	StatusOK       = "ok"
	StatusReady    = "ready"
	StatusNotReady = "not_ready"
	StatusAlive    = "alive"
)

// ConnectionStats reports live connection counts
type ConnectionStats interface {
	Stats() ws.RegistryStats
}

// CheckFunc reports whether a dependency can serve traffic
type CheckFunc func(ctx context.Context) error

// HealthService provides health check functionality
type HealthService struct {
	version   string
	buildTime string
	stats     ConnectionStats
	metrics   *ws.Metrics
	startTime time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// SystemStats represents system statistics
type SystemStats struct {
	UptimeSeconds float64                `json:"uptime_seconds"`
	Users         int                    `json:"users"`
	Connections   int                    `json:"connections"`
	Channels      int                    `json:"channels"`
	WebSocket     map[string]interface{} `json:"websocket,omitempty"`
	Goroutines    int                    `json:"goroutines"`
	GoVersion     string                 `json:"go_version"`
}

// NewHealthService creates a health service over the connection registry.
// metrics may be nil.
func NewHealthService(version, buildTime string, stats ConnectionStats, metrics *ws.Metrics, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger.Info("HealthService initialized",
		slog.String("version", version),
		slog.String("build_time", buildTime))

	return &HealthService{
		version:   version,
		buildTime: buildTime,
		stats:     stats,
		metrics:   metrics,
		startTime: time.Now(),
		logger:    logger.With(slog.String("component", "health")),
		checks:    make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a readiness check. A later registration under the same
// name replaces the earlier one.
func (hs *HealthService) RegisterCheck(name string, fn CheckFunc) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = fn
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// ReadinessCheck runs every registered check. One failing check makes the
// whole service not ready.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    StatusReady,
		Timestamp: time.Now(),
		Version:   hs.version,
		Services: map[string]ServiceHealth{
			"websocket": hs.checkWebSocketHealth(),
		},
	}

	hs.mu.RLock()
	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(hs.checks))
	for name, fn := range hs.checks {
		checks[name] = fn
	}
	hs.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			hs.logger.WarnContext(ctx, "readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()))
			status.Services[name] = ServiceHealth{Status: StatusNotReady, Message: err.Error()}
			continue
		}
		status.Services[name] = ServiceHealth{Status: StatusReady}
	}

	for _, sh := range status.Services {
		if sh.Status != StatusReady {
			status.Status = StatusNotReady
			break
		}
	}
	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    StatusAlive,
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

// SystemStats returns connection and runtime statistics
func (hs *HealthService) SystemStats(ctx context.Context) SystemStats {
	stats := SystemStats{
		UptimeSeconds: time.Since(hs.startTime).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
	}
	if hs.stats != nil {
		rs := hs.stats.Stats()
		stats.Users = rs.Users
		stats.Connections = rs.Connections
		stats.Channels = rs.Channels
	}
	if hs.metrics != nil {
		stats.WebSocket = hs.metrics.GetSnapshot()
	}
	return stats
}

func (hs *HealthService) checkWebSocketHealth() ServiceHealth {
	if hs.stats == nil {
		return ServiceHealth{
			Status:  StatusNotReady,
			Message: "connection registry not initialized",
		}
	}
	return ServiceHealth{
		Status: StatusReady,
		Uptime: time.Since(hs.startTime).String(),
	}
}

// GetDetailedHealth returns health, readiness, liveness and stats together
func (hs *HealthService) GetDetailedHealth(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"health":    hs.HealthCheck(ctx),
		"readiness": hs.ReadinessCheck(ctx),
		"liveness":  hs.LivenessCheck(ctx),
		"stats":     hs.SystemStats(ctx),
	}
}
