package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path        string
	Environment string
}

// Load loads configuration from various sources
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	// Apply options
	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Environment != "" {
		cfg.Environment = options.Environment
	}

	// Load from file if path is specified
	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	// Override with environment variables
	loadFromEnv(cfg)

	// Validate the final configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if env := os.Getenv("TETHER_ENV"); env != "" {
		cfg.Environment = env
	}

	// Server configuration
	if host := os.Getenv("TETHER_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("TETHER_SERVER_PORT"); port != "" {
		if p, err := parseInt(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if origins := os.Getenv("TETHER_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	// Logging configuration
	if level := os.Getenv("TETHER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("TETHER_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// Manager configuration
	if v := os.Getenv("TETHER_MAX_CONNECTIONS_PER_USER"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Manager.MaxConnectionsPerUser = n
		}
	}
	if v := os.Getenv("TETHER_MAX_TOTAL_CONNECTIONS"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Manager.MaxTotalConnections = n
		}
	}
	if v := os.Getenv("TETHER_CONNECTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Manager.TTL = d
		}
	}

	if v := os.Getenv("TETHER_RATE_LIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = parseBool(v)
	}

	// Scaling configuration; a Redis address turns scaling on
	if addr := os.Getenv("TETHER_REDIS_ADDR"); addr != "" {
		cfg.Scaling.Redis.Addr = addr
		cfg.Scaling.Enabled = true
	}
	if password := os.Getenv("TETHER_REDIS_PASSWORD"); password != "" {
		cfg.Scaling.Redis.Password = password
	}
	if id := os.Getenv("TETHER_INSTANCE_ID"); id != "" {
		cfg.Scaling.InstanceID = id
	}
}

// parseInt parses a string to int
func parseInt(s string) (int, error) {
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	return i, err
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
