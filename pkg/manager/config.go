package manager

import (
	"fmt"
	"time"

	"github.com/HMasataka/tether/pkg/eviction"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/resilience"
)

// Config bounds and paces the manager
type Config struct {
	MaxConnectionsPerUser int           `json:"max_connections_per_user" yaml:"max_connections_per_user"`
	MaxTotalConnections   int           `json:"max_total_connections" yaml:"max_total_connections"`
	TTL                   time.Duration `json:"ttl" yaml:"ttl"`
	CleanupInterval       time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	DrainInterval         time.Duration `json:"drain_interval" yaml:"drain_interval"`
	SendTimeout           time.Duration `json:"send_timeout" yaml:"send_timeout"`
	ReconnectDelay        time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	// HighUtilization is the fraction of MaxTotalConnections at which
	// memory health turns HIGH
	HighUtilization float64             `json:"high_utilization" yaml:"high_utilization"`
	DefaultTier     ratelimit.Tier      `json:"default_tier" yaml:"default_tier"`
	Breaker         resilience.Settings `json:"breaker" yaml:"breaker"`
	FallbackTTL     time.Duration       `json:"fallback_ttl" yaml:"fallback_ttl"`
}

// DefaultConfig returns the built-in manager configuration
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: eviction.DefaultMaxConnectionsPerUser,
		MaxTotalConnections:   eviction.DefaultMaxTotalConnections,
		TTL:                   eviction.DefaultTTL,
		CleanupInterval:       60 * time.Second,
		DrainInterval:         time.Second,
		SendTimeout:           5 * time.Second,
		ReconnectDelay:        5 * time.Second,
		HighUtilization:       0.8,
		DefaultTier:           ratelimit.TierFree,
		Breaker:               resilience.DefaultSettings(""),
		FallbackTTL:           30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("max_connections_per_user must be positive, got %d", c.MaxConnectionsPerUser)
	}
	if c.MaxTotalConnections <= 0 {
		return fmt.Errorf("max_total_connections must be positive, got %d", c.MaxTotalConnections)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	if c.HighUtilization <= 0 || c.HighUtilization > 1 {
		return fmt.Errorf("high_utilization must be in (0, 1], got %v", c.HighUtilization)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = def.MaxConnectionsPerUser
	}
	if c.MaxTotalConnections <= 0 {
		c.MaxTotalConnections = def.MaxTotalConnections
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.HighUtilization <= 0 || c.HighUtilization > 1 {
		c.HighUtilization = def.HighUtilization
	}
	if c.DefaultTier == "" {
		c.DefaultTier = def.DefaultTier
	}
	if c.FallbackTTL <= 0 {
		c.FallbackTTL = def.FallbackTTL
	}
	return c
}

// ConnectRequest carries the authenticated identity of a new connection
type ConnectRequest struct {
	UserID   string
	ThreadID string
	RunID    string
	ClientIP string
	Tier     string
	Metadata map[string]string
}
