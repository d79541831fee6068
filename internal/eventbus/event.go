package eventbus

import (
	"time"

	"github.com/rs/xid"
)

// EventType represents the type of event
type EventType string

// Connection lifecycle events
const (
	EventConnectionEstablished EventType = "connection.established"
	EventConnectionClosed      EventType = "connection.closed"
	EventConnectionEvicted     EventType = "connection.evicted"
	EventConnectionStale       EventType = "connection.stale"
	EventConnectionRejected    EventType = "connection.rejected"
	EventHeartbeatDead         EventType = "heartbeat.dead"
	EventCircuitStateChanged   EventType = "circuit.state_changed"
	EventManagerShutdown       EventType = "manager.shutdown"
)

// ConnectionData is carried by connection events
type ConnectionData struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	RunID        string `json:"run_id,omitempty"`
	Code         int    `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// CircuitData is carried by circuit.state_changed
type CircuitData struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Event represents a system event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Data      any               `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, source string, data any) *Event {
	return &Event{
		ID:        xid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
