// Package app wires pulsechat together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from the environment and the optional YAML file
//	2. Initialize logging and OpenTelemetry
//	3. Register kernel middlewares and payload validators
//	4. Declare routes and events, freeze the table and verify every name
//	5. Build the connection registry, the broadcaster and, when enabled,
//	   the NATS relay
//	6. Mount /ws, /api/*, /healthz and /metrics on a chi router
//
// Unknown middleware or validator names fail New, so a misconfigured route
// never reaches production traffic.
//
// # Usage
//
//	a, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	return a.Run(ctx)
//
// # Graceful Shutdown
//
// When the context passed to Run ends, WebSocket connections are closed,
// the HTTP server drains in-flight requests within Server.ShutdownTimeout,
// the relay subscription and NATS connection are drained, and telemetry
// providers are flushed.
package app
