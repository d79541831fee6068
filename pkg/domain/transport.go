package domain

import (
	"context"
)

// Transport is the capability every connection adapter must provide.
// Framing (JSON vs text, control frames) belongs to the adapter.
type Transport interface {
	// Send delivers an opaque JSON-serializable payload to the peer
	Send(ctx context.Context, message any) error

	// Close closes the transport with a close code and reason
	Close(ctx context.Context, code int, reason string) error

	// IsConnected reports whether the transport can still carry traffic
	IsConnected() bool
}

// Close codes used by the manager when it terminates a connection.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseServiceRestart  = 1012
	CloseTryAgainLater   = 1013
)

// Close reasons shared between the manager and adapters.
const (
	ReasonConnectionLimit = "connection limit exceeded"
	ReasonServerCapacity  = "server connection capacity reached"
	ReasonStaleCleanup    = "TTL-based stale connection cleanup"
	ReasonHeartbeatDead   = "heartbeat timeout"
	ReasonServerShutdown  = "server shutdown"
	ReasonClientClosed    = "client disconnected"
	ReasonRateLimited     = "rate limit exceeded"
)
