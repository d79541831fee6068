package config

import (
	"strings"
	"time"

	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/internal/store"
	"github.com/HMasataka/tether/pkg/heartbeat"
	"github.com/HMasataka/tether/pkg/manager"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/resilience"
	"github.com/HMasataka/tether/pkg/scaling"
	"github.com/HMasataka/tether/pkg/transport/websocket"
)

// Config represents the application configuration
type Config struct {
	// Environment selects the heartbeat preset when Heartbeat is not set
	Environment string                  `json:"environment" yaml:"environment"`
	Server      ServerConfig            `json:"server" yaml:"server"`
	Logging     logging.Config          `json:"logging" yaml:"logging"`
	Manager     manager.Config          `json:"manager" yaml:"manager"`
	Heartbeat   *heartbeat.Config       `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	RateLimit   RateLimitConfig         `json:"rate_limit" yaml:"rate_limit"`
	Throttle    ThrottleConfig          `json:"throttle" yaml:"throttle"`
	Scaling     ScalingConfig           `json:"scaling" yaml:"scaling"`
	Transport   websocket.ClientOptions `json:"transport" yaml:"transport"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins" yaml:"allowed_origins"`
}

// RateLimitConfig enables and tunes the rate limiter
type RateLimitConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	ratelimit.Config `yaml:",inline"`
}

// ThrottleConfig enables and tunes the throttle queue
type ThrottleConfig struct {
	Enabled               bool `json:"enabled" yaml:"enabled"`
	ratelimit.QueueConfig `yaml:",inline"`
}

// ScalingConfig enables cross-instance coordination over Redis
type ScalingConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	scaling.Config `yaml:",inline"`
	Redis          store.Options       `json:"redis" yaml:"redis"`
	RelayBreaker   resilience.Settings `json:"relay_breaker" yaml:"relay_breaker"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Environment: heartbeat.EnvDevelopment,
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Manager: manager.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Enabled: true,
			Config:  ratelimit.DefaultConfig(),
		},
		Throttle: ThrottleConfig{
			Enabled:     true,
			QueueConfig: ratelimit.DefaultQueueConfig(),
		},
		Scaling: ScalingConfig{
			Config: scaling.DefaultConfig(),
			Redis: store.Options{
				Addr:        "localhost:6379",
				DialTimeout: 5 * time.Second,
			},
			RelayBreaker: resilience.DefaultSettings("relay"),
		},
		Transport: websocket.DefaultClientOptions(),
	}
}

// HeartbeatConfig returns the explicit heartbeat section, or the preset of
// the configured environment.
func (c *Config) HeartbeatConfig() heartbeat.Config {
	if c.Heartbeat != nil {
		return *c.Heartbeat
	}
	return heartbeat.ConfigForEnvironment(c.Environment)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text", "pretty":
	default:
		return NewConfigError("logging.format", "must be one of json, text, pretty")
	}

	if err := c.Manager.Validate(); err != nil {
		return NewConfigError("manager", err.Error())
	}

	hb := c.HeartbeatConfig()
	if hb.Interval <= 0 || hb.Timeout <= 0 {
		return NewConfigError("heartbeat", "interval and timeout must be positive")
	}

	if c.Throttle.Enabled && c.Throttle.MaxSize <= 0 {
		return NewConfigError("throttle.max_size", "must be positive")
	}

	if c.Scaling.Enabled {
		if c.Scaling.Redis.Addr == "" {
			return NewConfigError("scaling.redis.addr", "required when scaling is enabled")
		}
		if c.Scaling.HeartbeatTTL <= c.Scaling.HeartbeatInterval {
			return NewConfigError("scaling.heartbeat_ttl", "must exceed heartbeat_interval")
		}
	}

	return nil
}
