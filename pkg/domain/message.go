package domain

import (
	"time"
)

// MessageType represents the type of an envelope sent to clients
type MessageType string

// Server -> client message types
const (
	MessageTypeConnectionEstablished MessageType = "connection_established"
	MessageTypeAgentStarted          MessageType = "agent_started"
	MessageTypeAgentThinking         MessageType = "agent_thinking"
	MessageTypeToolExecuting         MessageType = "tool_executing"
	MessageTypeToolCompleted         MessageType = "tool_completed"
	MessageTypeAgentCompleted        MessageType = "agent_completed"
	MessageTypeAgentUpdate           MessageType = "agent_update"
	MessageTypeRateLimitExceeded     MessageType = "rate_limit_exceeded"
	MessageTypeSystemShutdown        MessageType = "system_shutdown"
	MessageTypePing                  MessageType = "ping"
	MessageTypePong                  MessageType = "pong"
	MessageTypeError                 MessageType = "error"
)

// Client -> server control message types
const (
	MessageTypeSetRun    MessageType = "set_run"
	MessageTypeSetThread MessageType = "set_thread"
)

// Message is the envelope written to transports
type Message struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a new envelope stamped with the current time
func NewMessage(messageType MessageType, payload any) Message {
	return Message{
		Type:      messageType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// InboundMessage is the minimal shape the manager reads from client frames.
// Everything else is forwarded opaquely.
type InboundMessage struct {
	Type     MessageType `json:"type"`
	RunID    string      `json:"run_id,omitempty"`
	ThreadID string      `json:"thread_id,omitempty"`
}

// AgentEvent selects the envelope type of an agent update.
type AgentEvent struct {
	Type MessageType
	Data any
}

// AgentPayload is the payload of agent envelopes
type AgentPayload struct {
	RunID     string    `json:"run_id"`
	AgentName string    `json:"agent_name"`
	Update    any       `json:"update"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionEstablished is sent to a transport right after registration
type ConnectionEstablished struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	InstanceID   string    `json:"instance_id,omitempty"`
	ServerTime   time.Time `json:"server_time"`
}

// RateLimitNotice is sent when traffic from a client is throttled
type RateLimitNotice struct {
	Reason       string         `json:"reason"`
	RetryAfter   float64        `json:"retry_after"`
	CurrentUsage map[string]int `json:"current_usage"`
	Limits       map[string]int `json:"limits"`
}

// ShutdownNotice is sent to every connection before a graceful shutdown
type ShutdownNotice struct {
	Message        string  `json:"message"`
	ReconnectDelay float64 `json:"reconnect_delay"`
}
