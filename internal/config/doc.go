// Package config provides centralized configuration management for pulsechat.
// It loads configuration from multiple sources, validates it, and exposes a
// type-safe struct to the rest of the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. A YAML file named by PULSE_CONFIG_FILE, or ./config.yaml
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern PULSE_<SECTION>_<FIELD>:
//
//	PULSE_SERVER_PORT=8080
//	PULSE_LOGGING_LEVEL=debug
//	PULSE_AUTH_JWT_SECRET=...
//	PULSE_DISPATCH_CHAIN_TIMEOUT=5s
//	PULSE_RELAY_ENABLED=true
//	PULSE_RELAY_URL=nats://nats:4222
//
// Lists such as PULSE_SECURITY_ALLOWED_ORIGINS are comma separated.
//
// # Validation
//
// Load calls Validate, which reports every invalid value at once:
//
//	- ports and timeouts are in range
//	- the websocket pong wait exceeds the ping period
//	- a JWT secret, when set, is long enough for HS256
//	- the relay has a URL and subject when enabled
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Testing
//
// Default returns a valid configuration that needs no environment.
package config
