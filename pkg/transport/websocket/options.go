package websocket

import (
	"net/http"
	"time"

	"github.com/HMasataka/tether/internal/eventbus"
	"github.com/HMasataka/tether/internal/logging"
)

// ClientOptions represents websocket client options
type ClientOptions struct {
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	PingInterval   time.Duration `json:"ping_interval" yaml:"ping_interval"`
	MaxMessageSize int64         `json:"max_message_size" yaml:"max_message_size"`
	SendBuffer     int           `json:"send_buffer" yaml:"send_buffer"`
	// CloseTimeout bounds how long Close waits for queued frames to flush
	CloseTimeout time.Duration `json:"close_timeout" yaml:"close_timeout"`
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 512 * 1024, // 512KB
		SendBuffer:     256,
		CloseTimeout:   2 * time.Second,
	}
}

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Authenticator   Authenticator
	Client          ClientOptions
	Logger          *logging.Logger
	EventBus        eventbus.Bus
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithEventBus sets the event bus for the server
func WithEventBus(eventBus eventbus.Bus) ServerOption {
	return func(o *ServerOptions) {
		o.EventBus = eventBus
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// WithAuthenticator replaces the request authenticator
func WithAuthenticator(auth Authenticator) ServerOption {
	return func(o *ServerOptions) {
		o.Authenticator = auth
	}
}

// WithClientOptions sets the options of every accepted connection
func WithClientOptions(opts ClientOptions) ServerOption {
	return func(o *ServerOptions) {
		o.Client = opts
	}
}
