package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. PULSE_SERVER_PORT.
const EnvPrefix = "PULSE"

// ConfigFileEnv names the variable holding the optional YAML file path.
const ConfigFileEnv = "PULSE_CONFIG_FILE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	Dispatch  DispatchConfig  `yaml:"dispatch" envconfig:"DISPATCH"`
	Relay     RelayConfig     `yaml:"relay" envconfig:"RELAY"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration. The HTTP limiter is
// keyed by client IP, the "throttle" middleware by user id.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
	UserRPS float64 `yaml:"user_rps" envconfig:"USER_RPS"`
	// UserBurst is the token bucket size of the per-user limiter
	UserBurst int `yaml:"user_burst" envconfig:"USER_BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT"`
	MaxMessageSize  int64         `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	SendBufferSize  int           `yaml:"send_buffer_size" envconfig:"SEND_BUFFER_SIZE"`
	// PresenceChannel receives online/offline broadcasts
	PresenceChannel string `yaml:"presence_channel" envconfig:"PRESENCE_CHANNEL"`
}

// AuthConfig configures the session token resolver
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	Issuer     string        `yaml:"issuer" envconfig:"ISSUER"`
	CookieName string        `yaml:"cookie_name" envconfig:"COOKIE_NAME"`
	Header     string        `yaml:"header" envconfig:"HEADER"`
	TokenTTL   time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
}

// DispatchConfig configures the middleware chain executor
type DispatchConfig struct {
	ChainTimeout time.Duration `yaml:"chain_timeout" envconfig:"CHAIN_TIMEOUT"`
}

// RelayConfig configures cross-instance broadcast relaying over NATS
type RelayConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	URL     string `yaml:"url" envconfig:"URL"`
	Subject string `yaml:"subject" envconfig:"SUBJECT"`
	Name    string `yaml:"name" envconfig:"NAME"`
}

// TelemetryConfig configures OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load builds the configuration from defaults, the optional YAML file named
// by PULSE_CONFIG_FILE (or ./config.yaml) and PULSE_* environment variables,
// in increasing order of precedence.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit config file. An empty path skips the file.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Only variables that are set override the file and the defaults
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects nonsensical values and fills derived ones
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server read timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server write timeout must be positive"))
	}

	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("at least one allowed origin must be specified"))
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0 {
			errs = append(errs, errors.New("rate limit rps and burst must be positive"))
		}
		if c.Security.RateLimit.UserRPS <= 0 || c.Security.RateLimit.UserBurst <= 0 {
			errs = append(errs, errors.New("per-user rate limit rps and burst must be positive"))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Output {
	case "console", "stderr", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("unknown log output %q", c.Logging.Output))
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/pulsechat.log"
	}

	if c.WebSocket.PongWait <= c.WebSocket.PingPeriod {
		errs = append(errs, fmt.Errorf("websocket pong wait (%s) must exceed ping period (%s)",
			c.WebSocket.PongWait, c.WebSocket.PingPeriod))
	}
	if c.WebSocket.SendBufferSize <= 0 {
		errs = append(errs, errors.New("websocket send buffer size must be positive"))
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("websocket max message size must be positive"))
	}
	if c.WebSocket.PresenceChannel == "" {
		errs = append(errs, errors.New("websocket presence channel must be set"))
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth jwt secret must be at least 32 bytes"))
	}

	if c.Dispatch.ChainTimeout < 0 {
		errs = append(errs, errors.New("dispatch chain timeout must not be negative"))
	}

	if c.Relay.Enabled && (c.Relay.URL == "" || c.Relay.Subject == "") {
		errs = append(errs, errors.New("relay url and subject are required when the relay is enabled"))
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry sample ratio %v outside [0,1]", c.Telemetry.SampleRatio))
	}

	return errors.Join(errs...)
}

// Address returns the listen address of the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  DefaultHTTPTimeout,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled:   true,
				RPS:       DefaultRateLimit,
				Burst:     DefaultBurstSize,
				UserRPS:   DefaultUserRateLimit,
				UserBurst: DefaultUserBurstSize,
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Output:      "console",
			FilePath:    "logs/pulsechat.log",
			Development: false,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
			WriteWait:       WebSocketWriteWait,
			MaxMessageSize:  WebSocketMaxMessageSize,
			SendBufferSize:  WebSocketSendBuffer,
			PresenceChannel: PresenceChannel,
		},
		Auth: AuthConfig{
			Issuer:     AppName,
			CookieName: SessionCookieName,
			Header:     "Authorization",
			TokenTTL:   SessionTimeout,
		},
		Dispatch: DispatchConfig{
			ChainTimeout: DefaultChainTimeout,
		},
		Relay: RelayConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: RelaySubject,
			Name:    AppName,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
