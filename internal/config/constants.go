package config

import "time"

// Application constants
const (
	AppName    = "pulsechat"
	AppVersion = "1.0.0"

	DefaultPort = 8080

	// PresenceChannel receives change_online broadcasts on connect and on
	// last disconnect.
	PresenceChannel = "change_online"

	SessionCookieName = "pulse_session"
	SessionTimeout    = 24 * time.Hour

	// Rate limiting
	DefaultRateLimit     = 100 // requests per second per client IP
	DefaultBurstSize     = 50
	DefaultUserRateLimit = 20 // dispatches per second per user
	DefaultUserBurstSize = 40

	// Timeouts
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultChainTimeout = 10 * time.Second

	// WebSocket
	WebSocketPingPeriod     = 30 * time.Second
	WebSocketPongWait       = 60 * time.Second
	WebSocketWriteWait      = 10 * time.Second
	WebSocketMaxMessageSize = 512 * 1024
	WebSocketSendBuffer     = 256

	// Relay
	RelaySubject = "pulsechat.broadcast"
)
