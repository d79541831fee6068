package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/HMasataka/tether/internal/eventbus"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/eviction"
	"github.com/HMasataka/tether/pkg/heartbeat"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/resilience"
	"github.com/HMasataka/tether/pkg/scaling"
)

// LivenessMonitor tracks whether registered connections are still alive
type LivenessMonitor interface {
	Register(id string)
	Unregister(id string)
	RecordActivity(id string)
	Clear()
	Run(ctx context.Context, probe heartbeat.ProbeFunc, onDead heartbeat.DeadFunc)
}

// RateLimiter admits messages and connection attempts
type RateLimiter interface {
	Check(clientID string, tier ratelimit.Tier) ratelimit.Result
	CheckConnectionAttempt(key string) ratelimit.Result
	Prune(now time.Time) int
}

// ThrottleQueue buffers traffic that could not be delivered right away
type ThrottleQueue interface {
	Enqueue(clientID string, msg any, priority ratelimit.Priority) (ratelimit.EnqueueResult, error)
	Process(ctx context.Context, clientID string, deliver ratelimit.DeliverFunc) ratelimit.ProcessResult
	Pending() []string
	Clear()
}

// Coordinator gives the manager reach beyond this instance
type Coordinator interface {
	InstanceID() string
	Status() scaling.Status
	RegisterConnection(ctx context.Context, userID, connID string, metadata map[string]string) error
	UnregisterConnection(ctx context.Context, userID, connID string) error
	BroadcastToUser(ctx context.Context, userID string, msg any) (bool, error)
	BroadcastToAll(ctx context.Context, msg any) (scaling.BroadcastResult, error)
	Shutdown(ctx context.Context) error
}

// Recorder receives metric updates
type Recorder interface {
	ConnectionOpened(active int)
	ConnectionClosed(reason string, active int)
	Evicted(limit string)
	MessageSent()
	SendFailed()
	RateLimitedRequest(kind string)
	CircuitStateChanged(to string)
	FallbackServed()
	MessageQueued()
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened(int)         {}
func (nopRecorder) ConnectionClosed(string, int) {}
func (nopRecorder) Evicted(string)               {}
func (nopRecorder) MessageSent()                 {}
func (nopRecorder) SendFailed()                  {}
func (nopRecorder) RateLimitedRequest(string)    {}
func (nopRecorder) CircuitStateChanged(string)   {}
func (nopRecorder) FallbackServed()              {}
func (nopRecorder) MessageQueued()               {}

// InboundHandler receives client frames the manager does not consume itself
type InboundHandler func(ctx context.Context, connID, userID string, data []byte) error

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithPolicy replaces the eviction policy
func WithPolicy(p eviction.Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithMonitor replaces the liveness monitor
func WithMonitor(mon LivenessMonitor) Option {
	return func(m *Manager) {
		m.monitor = mon
	}
}

// WithRateLimiter enables admission control
func WithRateLimiter(l RateLimiter) Option {
	return func(m *Manager) {
		m.limiter = l
	}
}

// WithThrottleQueue enables buffering of throttled and undeliverable messages
func WithThrottleQueue(q ThrottleQueue) Option {
	return func(m *Manager) {
		m.queue = q
	}
}

// WithFallback replaces the fallback handler
func WithFallback(h *resilience.FallbackHandler) Option {
	return func(m *Manager) {
		m.fallback = h
	}
}

// WithEventBus publishes lifecycle events to bus
func WithEventBus(bus eventbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithRecorder publishes metric updates to r
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithErrorHandler replaces the handler used for swallowed errors
func WithErrorHandler(h errors.Handler) Option {
	return func(m *Manager) {
		m.errHandler = h
	}
}

// WithInboundHandler forwards unrecognised client frames to h
func WithInboundHandler(h InboundHandler) Option {
	return func(m *Manager) {
		m.inbound = h
	}
}
