package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-socket-server/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g. SOCKET_WS_PORT.
const EnvPrefix = "SOCKET"

// Config represents the application configuration
type Config struct {
	Name    string          `yaml:"name" envconfig:"SERVER_NAME"`
	XMLS    TransportConfig `yaml:"xmls" envconfig:"XMLS"`
	WS      TransportConfig `yaml:"ws" envconfig:"WS"`
	WSS     TransportConfig `yaml:"wss" envconfig:"WSS"`
	Logging logging.Config  `yaml:"logging" envconfig:"LOGGING"`
	Admin   AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Policy  PolicyConfig    `yaml:"policy" envconfig:"POLICY"`
	Limits  LimitsConfig    `yaml:"limits" envconfig:"LIMITS"`
}

// TransportConfig configures one listener. A zero port disables it.
type TransportConfig struct {
	Bind        string `yaml:"bind" envconfig:"BIND"`
	Port        int    `yaml:"port" envconfig:"PORT"`
	Ping        int    `yaml:"ping" envconfig:"PING"`                 // seconds, 0 disables the liveness probe
	PingTimeout int    `yaml:"ping_timeout" envconfig:"PING_TIMEOUT"` // seconds
	Path        string `yaml:"path" envconfig:"UPGRADE_PATH"`         // WebSocket upgrade route
	Cert        string `yaml:"cert" envconfig:"CERT"`                 // wss only
	Key         string `yaml:"key" envconfig:"KEY"`                   // wss only
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Bind        string   `yaml:"bind" envconfig:"BIND"`
	Port        int      `yaml:"port" envconfig:"PORT"`   // 0 disables the admin API
	Token       string   `yaml:"token" envconfig:"TOKEN"` // generated at startup if empty
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`

	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig throttles admin API clients by address, locking them out
// after repeated failures.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" envconfig:"ENABLED"`
	MaxAttempts    int  `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`       // per window
	WindowSeconds  int  `yaml:"window_seconds" envconfig:"WINDOW_SECONDS"`   // default 60
	LockoutSeconds int  `yaml:"lockout_seconds" envconfig:"LOCKOUT_SECONDS"` // default 300
}

// SetDefaults fills zero values.
func (c *RateLimitConfig) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 60
	}
	if c.LockoutSeconds <= 0 {
		c.LockoutSeconds = 300
	}
}

// PolicyConfig configures the cross-domain policy served on the raw socket.
type PolicyConfig struct {
	Domain string `yaml:"domain" envconfig:"DOMAIN"`
}

// LimitsConfig bounds per-session resource use.
type LimitsConfig struct {
	MaxFrameBytes   int     `yaml:"max_frame_bytes" envconfig:"MAX_FRAME_BYTES"`
	FramesPerSecond float64 `yaml:"frames_per_second" envconfig:"FRAMES_PER_SECOND"` // 0 disables
	FrameBurst      int     `yaml:"frame_burst" envconfig:"FRAME_BURST"`
	ListenerTimeout int     `yaml:"listener_timeout" envconfig:"LISTENER_TIMEOUT"` // seconds
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment variables have the highest priority
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Name: "go_socket_server",
		XMLS: TransportConfig{
			Bind:        "0.0.0.0",
			Port:        1935,
			Ping:        60,
			PingTimeout: 30,
		},
		WS: TransportConfig{
			Bind:        "0.0.0.0",
			Port:        8000,
			Ping:        60,
			PingTimeout: 30,
			Path:        "/",
		},
		WSS: TransportConfig{
			Bind:        "0.0.0.0",
			Port:        8080,
			Ping:        60,
			PingTimeout: 30,
			Path:        "/",
			Cert:        "./cert.pem",
			Key:         "./key.pem",
		},
		Logging: logging.DefaultConfig(),
		Admin: AdminConfig{
			Bind: "127.0.0.1",
			Port: 8081,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				MaxAttempts:    10,
				WindowSeconds:  60,
				LockoutSeconds: 300,
			},
		},
		Policy: PolicyConfig{
			Domain: "*",
		},
		Limits: LimitsConfig{
			MaxFrameBytes:   1 << 20,
			ListenerTimeout: 5,
		},
	}
}

// Validate validates the configuration. Missing TLS material is not checked
// here; the wss listener reports it when it starts.
func (c *Config) Validate() error {
	for name, t := range map[string]TransportConfig{"xmls": c.XMLS, "ws": c.WS, "wss": c.WSS} {
		if err := t.validate(name); err != nil {
			return err
		}
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Limits.MaxFrameBytes < 0 {
		return fmt.Errorf("max_frame_bytes must not be negative")
	}
	if c.Limits.FramesPerSecond < 0 || c.Limits.FrameBurst < 0 {
		return fmt.Errorf("frame rate limits must not be negative")
	}
	if c.Limits.ListenerTimeout < 0 {
		return fmt.Errorf("listener_timeout must not be negative")
	}

	return nil
}

func (t TransportConfig) validate(name string) error {
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid %s port: %d", name, t.Port)
	}
	if t.Ping < 0 {
		return fmt.Errorf("%s ping must not be negative", name)
	}
	if t.PingTimeout < 0 {
		return fmt.Errorf("%s ping_timeout must not be negative", name)
	}
	return nil
}

// Enabled reports whether the transport has a port to listen on.
func (t TransportConfig) Enabled() bool {
	return t.Port > 0
}

// Address returns the listen address
func (t TransportConfig) Address() string {
	return fmt.Sprintf("%s:%d", t.Bind, t.Port)
}

// PingInterval returns the liveness probe period.
func (t TransportConfig) PingInterval() time.Duration {
	return time.Duration(t.Ping) * time.Second
}

// PingTimeoutDuration returns the per-write timeout.
func (t TransportConfig) PingTimeoutDuration() time.Duration {
	return time.Duration(t.PingTimeout) * time.Second
}

// Address returns the admin server address
func (c AdminConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// ListenerTimeoutDuration bounds a single event listener call.
func (c LimitsConfig) ListenerTimeoutDuration() time.Duration {
	return time.Duration(c.ListenerTimeout) * time.Second
}
