// Package services holds application services that sit between transports
// and the real-time core. HealthService aggregates connection registry
// statistics, WebSocket counters and readiness checks of external
// dependencies such as the broadcast relay.
//
// Services take their collaborators through constructors and never reach for
// package globals:
//
//	health := services.NewHealthService(version, buildTime, registry, metrics, logger)
//	health.RegisterCheck("relay", relay.Healthy)
package services
