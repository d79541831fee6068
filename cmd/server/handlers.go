package main

import (
	"context"

	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/router"
)

const (
	messageTypeMessage    domain.MessageType = "message"
	messageTypeMessageAck domain.MessageType = "message_ack"
)

type messageAck struct {
	ConnectionID string `json:"connection_id"`
	Bytes        int    `json:"bytes"`
}

// registerHandlers installs the application frame handlers. Chat content is
// handed to the agent pipeline outside this process; here it is only
// acknowledged.
func registerHandlers(r *router.Router) {
	r.Register(messageTypeMessage, router.HandlerFunc(func(ctx context.Context, req router.Request) (any, error) {
		logging.FromContext(ctx).Debug("client message",
			"connection_id", req.ConnectionID,
			"user_id", req.UserID,
			"bytes", len(req.Payload),
		)
		return domain.NewMessage(messageTypeMessageAck, messageAck{
			ConnectionID: req.ConnectionID,
			Bytes:        len(req.Payload),
		}), nil
	}))
}
