// Package metrics exposes connection manager activity as prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tether"

// Collectors holds every collector registered by the server
type Collectors struct {
	ActiveConnections  prometheus.Gauge
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  *prometheus.CounterVec
	Evictions          *prometheus.CounterVec
	MessagesSent       prometheus.Counter
	SendFailures       prometheus.Counter
	RateLimited        *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	FallbacksServed    prometheus.Counter
	QueuedMessages     prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live connections on this instance",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total number of accepted connections",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections by reason",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections evicted to respect capacity limits",
		}, []string{"limit"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages delivered to local transports",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Transport sends that failed",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests denied by the rate limiter",
		}, []string{"kind"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions by target state",
		}, []string{"to"}),
		FallbacksServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_served_total",
			Help:      "Fallback responses served while a delivery path was open",
		}),
		QueuedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_messages_total",
			Help:      "Messages buffered in the throttle queue",
		}),
	}

	reg.MustRegister(
		c.ActiveConnections,
		c.ConnectionsOpened,
		c.ConnectionsClosed,
		c.Evictions,
		c.MessagesSent,
		c.SendFailures,
		c.RateLimited,
		c.CircuitTransitions,
		c.FallbacksServed,
		c.QueuedMessages,
	)
	return c
}

// ConnectionOpened records an accepted connection
func (c *Collectors) ConnectionOpened(active int) {
	c.ConnectionsOpened.Inc()
	c.ActiveConnections.Set(float64(active))
}

// ConnectionClosed records a closed connection
func (c *Collectors) ConnectionClosed(reason string, active int) {
	c.ConnectionsClosed.WithLabelValues(reason).Inc()
	c.ActiveConnections.Set(float64(active))
}

// Evicted records an eviction for limit ("total" or "user")
func (c *Collectors) Evicted(limit string) {
	c.Evictions.WithLabelValues(limit).Inc()
}

// MessageSent records a delivered message
func (c *Collectors) MessageSent() {
	c.MessagesSent.Inc()
}

// SendFailed records a failed send
func (c *Collectors) SendFailed() {
	c.SendFailures.Inc()
}

// RateLimitedRequest records a denial of kind ("connection" or "message")
func (c *Collectors) RateLimitedRequest(kind string) {
	c.RateLimited.WithLabelValues(kind).Inc()
}

// CircuitStateChanged records a breaker transition
func (c *Collectors) CircuitStateChanged(to string) {
	c.CircuitTransitions.WithLabelValues(to).Inc()
}

// FallbackServed records a fallback response
func (c *Collectors) FallbackServed() {
	c.FallbacksServed.Inc()
}

// MessageQueued records a message buffered for later delivery
func (c *Collectors) MessageQueued() {
	c.QueuedMessages.Inc()
}
