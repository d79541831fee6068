// Package resilience protects delivery paths with circuit breakers and serves
// degraded responses while they are open.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/tether/pkg/errors"
)

// State represents the circuit breaker state
type State int32

const (
	StateClosed   State = iota // Normal operation, tracking failures
	StateOpen                  // Failing fast, not calling the delivery path
	StateHalfOpen              // Trial requests probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Settings configures a CircuitBreaker
type Settings struct {
	// Name identifies this circuit breaker for logging
	Name string `json:"-" yaml:"-"`

	// FailureThreshold is the number of failures within MonitoringWindow
	// that opens the circuit
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`

	// Timeout is how long the circuit stays open before half-opening
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MonitoringWindow bounds which failures count toward the threshold
	MonitoringWindow time.Duration `json:"monitoring_window" yaml:"monitoring_window"`

	// MaxRequestsHalfOpen caps concurrent trial requests
	MaxRequestsHalfOpen int `json:"max_requests_half_open" yaml:"max_requests_half_open"`

	// OnStateChange is called when the circuit breaker changes state
	OnStateChange func(name string, from, to State) `json:"-" yaml:"-"`

	// Now overrides the time source
	Now func() time.Time `json:"-" yaml:"-"`
}

// DefaultSettings returns the defaults for a circuit breaker
func DefaultSettings(name string) Settings {
	return Settings{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    3,
		Timeout:             30 * time.Second,
		MonitoringWindow:    60 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

// CircuitBreaker trips open when failures within the monitoring window reach
// the threshold and recovers through a bounded half-open trial.
type CircuitBreaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	generation      uint64
	failures        []time.Time
	successes       int
	inFlight        int
	lastStateChange time.Time

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalBlocked   atomic.Int64
	totalSuccesses atomic.Int64
	totalFailures  atomic.Int64
	stateChanges   atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker with the given settings
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	def := DefaultSettings(settings.Name)
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.Timeout <= 0 {
		settings.Timeout = def.Timeout
	}
	if settings.MonitoringWindow <= 0 {
		settings.MonitoringWindow = def.MonitoringWindow
	}
	if settings.MaxRequestsHalfOpen <= 0 {
		settings.MaxRequestsHalfOpen = def.MaxRequestsHalfOpen
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &CircuitBreaker{
		settings:        settings,
		state:           StateClosed,
		lastStateChange: settings.Now(),
	}
}

// Call runs fn through the circuit breaker. It fails fast with
// ErrCircuitOpen while open or when the half-open trial cap is reached.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.totalRequests.Add(1)

	gen, retryAfter, ok := cb.allowRequest()
	if !ok {
		cb.totalBlocked.Add(1)
		err := errors.ErrCircuitOpen.WithDetails(cb.settings.Name)
		if retryAfter > 0 {
			err = err.WithRetryAfter(retryAfter)
		}
		return err
	}

	err := fn(ctx)
	if err != nil {
		cb.totalFailures.Add(1)
		cb.recordFailure(gen)
		return err
	}

	cb.totalSuccesses.Add(1)
	cb.recordSuccess(gen)
	return nil
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.settings.Name
}

// Metrics contains circuit breaker statistics
type Metrics struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	TotalRequests   int64  `json:"total_requests"`
	BlockedRequests int64  `json:"blocked_requests"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalFailures   int64  `json:"total_failures"`
	RecentFailures  int    `json:"recent_failures"`
	StateChanges    int64  `json:"state_changes"`
}

// Metrics returns a snapshot of circuit breaker metrics
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	state := cb.currentState()
	cb.trimFailures(cb.settings.Now())
	recent := len(cb.failures)
	cb.mu.Unlock()

	return Metrics{
		Name:            cb.settings.Name,
		State:           state.String(),
		TotalRequests:   cb.totalRequests.Load(),
		BlockedRequests: cb.totalBlocked.Load(),
		TotalSuccesses:  cb.totalSuccesses.Load(),
		TotalFailures:   cb.totalFailures.Load(),
		RecentFailures:  recent,
		StateChanges:    cb.stateChanges.Load(),
	}
}

// Reset forces the breaker closed and forgets its failure history
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = nil
}

// currentState returns the effective state, accounting for timeout transitions
// Must be called with cb.mu held
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.settings.Now().Sub(cb.lastStateChange) >= cb.settings.Timeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() (uint64, time.Duration, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		remaining := cb.settings.Timeout - cb.settings.Now().Sub(cb.lastStateChange)
		return 0, remaining, false
	case StateHalfOpen:
		if cb.inFlight >= cb.settings.MaxRequestsHalfOpen {
			return 0, 0, false
		}
		cb.inFlight++
		return cb.generation, 0, true
	default:
		return cb.generation, 0, true
	}
}

// recordSuccess ignores outcomes of calls admitted before the last transition
func (cb *CircuitBreaker) recordSuccess(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	switch cb.state {
	case StateHalfOpen:
		cb.inFlight--
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failures = nil
		}
	}
}

func (cb *CircuitBreaker) recordFailure(gen uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	now := cb.settings.Now()
	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.trimFailures(now)
		if len(cb.failures) >= cb.settings.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.setState(StateOpen)
	}
}

// trimFailures drops failures older than the monitoring window. cb.mu must
// be held
func (cb *CircuitBreaker) trimFailures(now time.Time) {
	cutoff := now.Add(-cb.settings.MonitoringWindow)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = kept
}

// setState transitions to a new state
// Must be called with cb.mu held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.generation++
	cb.successes = 0
	cb.inFlight = 0
	cb.lastStateChange = cb.settings.Now()
	cb.stateChanges.Add(1)
	if newState == StateOpen {
		cb.failures = nil
	}

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, oldState, newState)
	}
}
