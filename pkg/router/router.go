// Package router dispatches application frames to handlers by message type.
// Control frames (ping, set_run, ...) never reach it; the manager answers
// those itself.
package router

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
)

// Request is one decoded client frame
type Request struct {
	ConnectionID string
	UserID       string
	Type         domain.MessageType
	Payload      json.RawMessage
}

// Handler handles one message type. A non-nil reply is sent back to the
// originating connection.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Replier sends a reply to a single connection
type Replier func(ctx context.Context, connID string, msg any) error

// ErrorPayload is carried by error replies
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errUnknownType = errors.New(errors.ErrorTypeValidation, "UNKNOWN_MESSAGE_TYPE", "no handler for message type")

// Router maps message types to handlers
type Router struct {
	mu       sync.RWMutex
	handlers map[domain.MessageType]Handler
	reply    Replier
	logger   *slog.Logger
}

// New creates a router. reply may be nil, in which case replies and error
// notices are dropped.
func New(reply Replier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[domain.MessageType]Handler),
		reply:    reply,
		logger:   logger,
	}
}

// Register sets the handler for messageType, replacing any previous one
func (r *Router) Register(messageType domain.MessageType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = handler
}

// Get returns the handler for messageType
func (r *Router) Get(messageType domain.MessageType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[messageType]
	return handler, ok
}

// Handle decodes data and runs the matching handler. Its signature matches
// manager.InboundHandler. Handler failures are reported to the client as an
// error frame and returned.
func (r *Router) Handle(ctx context.Context, connID, userID string, data []byte) error {
	var frame struct {
		Type    domain.MessageType `json:"type"`
		Payload json.RawMessage    `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_FRAME", "inbound frame is not a JSON object")
	}

	handler, ok := r.Get(frame.Type)
	if !ok {
		err := errUnknownType.WithDetails(string(frame.Type))
		r.sendError(ctx, connID, err)
		return err
	}

	resp, err := handler.Handle(ctx, Request{
		ConnectionID: connID,
		UserID:       userID,
		Type:         frame.Type,
		Payload:      frame.Payload,
	})
	if err != nil {
		r.logger.Debug("handler error",
			"connection_id", connID,
			"message_type", frame.Type,
			"error", err,
		)
		r.sendError(ctx, connID, err)
		return err
	}

	if resp != nil && r.reply != nil {
		return r.reply(ctx, connID, resp)
	}
	return nil
}

func (r *Router) sendError(ctx context.Context, connID string, err error) {
	if r.reply == nil {
		return
	}

	payload := ErrorPayload{Code: "INTERNAL_ERROR", Message: "message could not be processed"}
	var e *errors.Error
	if stderrors.As(err, &e) {
		payload = ErrorPayload{Code: e.Code, Message: e.Message}
	}
	if rerr := r.reply(ctx, connID, domain.NewMessage(domain.MessageTypeError, payload)); rerr != nil {
		r.logger.Debug("error reply failed", "connection_id", connID, "error", rerr)
	}
}
