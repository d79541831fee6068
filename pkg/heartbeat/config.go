package heartbeat

import (
	"fmt"
	"strings"
	"time"
)

// Environment names accepted by ConfigForEnvironment
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Config tunes the monitor
type Config struct {
	// Interval between probe cycles
	Interval time.Duration `json:"interval" yaml:"interval"`
	// Timeout after which a connection with no activity is dead
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	// MaxMissed is the number of missed heartbeats tolerated while SUSPECT
	MaxMissed int `json:"max_missed" yaml:"max_missed"`
	// MaxConcurrentProbes bounds probe fan-out per cycle
	MaxConcurrentProbes int `json:"max_concurrent_probes" yaml:"max_concurrent_probes"`
}

// DefaultConfig returns the development preset
func DefaultConfig() Config {
	return ConfigForEnvironment(EnvDevelopment)
}

// ConfigForEnvironment returns the preset for env. Unknown names fall back to
// development. Staging and production tolerate more jitter.
func ConfigForEnvironment(env string) Config {
	switch strings.ToLower(env) {
	case EnvStaging:
		return Config{
			Interval:            45 * time.Second,
			Timeout:             180 * time.Second,
			ProbeTimeout:        10 * time.Second,
			MaxMissed:           3,
			MaxConcurrentProbes: 64,
		}
	case EnvProduction:
		return Config{
			Interval:            60 * time.Second,
			Timeout:             300 * time.Second,
			ProbeTimeout:        15 * time.Second,
			MaxMissed:           4,
			MaxConcurrentProbes: 128,
		}
	case EnvTesting:
		return Config{
			Interval:            100 * time.Millisecond,
			Timeout:             500 * time.Millisecond,
			ProbeTimeout:        50 * time.Millisecond,
			MaxMissed:           2,
			MaxConcurrentProbes: 8,
		}
	default:
		return Config{
			Interval:            30 * time.Second,
			Timeout:             90 * time.Second,
			ProbeTimeout:        5 * time.Second,
			MaxMissed:           2,
			MaxConcurrentProbes: 32,
		}
	}
}

// Validate checks the config for obviously broken values
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout > c.Interval {
		return fmt.Errorf("probe timeout must be positive and not exceed the interval")
	}
	if c.Timeout < c.Interval {
		return fmt.Errorf("heartbeat timeout must be at least one interval")
	}
	if c.MaxMissed < 0 {
		return fmt.Errorf("max missed heartbeats cannot be negative")
	}
	return nil
}
