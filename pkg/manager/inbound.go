package manager

import (
	"context"
	"encoding/json"

	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/registry"
)

// HandleInbound processes one client frame. Traffic of any kind counts as
// activity. Control frames are answered here; everything else is subject to
// the tier's message quota and then passed to the inbound handler.
func (m *Manager) HandleInbound(ctx context.Context, connID string, data []byte) error {
	conn, ok := m.touch(connID)
	if !ok {
		return errors.ErrConnectionNotFound.WithDetails(connID)
	}

	var in domain.InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_FRAME", "inbound frame is not a JSON object")
	}

	switch in.Type {
	case domain.MessageTypePing:
		return m.deliver(ctx, conn, domain.NewMessage(domain.MessageTypePong, nil))
	case domain.MessageTypePong:
		return nil
	case domain.MessageTypeSetRun:
		return m.registry.SetRun(connID, in.RunID)
	case domain.MessageTypeSetThread:
		return m.registry.SetThread(connID, in.ThreadID)
	}

	if m.limiter != nil {
		res := m.limiter.Check(conn.UserID, ratelimit.ParseTier(conn.Tier))
		if !res.Allowed {
			m.rateLimited.Add(1)
			m.recorder.RateLimitedRequest("message")
			m.notifyRateLimited(ctx, conn.Transport, res.Reason, res.RetryAfter, res.Usage, res.Limits)
			return errors.ErrRateLimited.WithDetails(res.Reason).WithRetryAfter(res.RetryAfter)
		}
	}

	if m.inbound != nil {
		return m.inbound(ctx, connID, conn.UserID, data)
	}
	return nil
}

// RecordActivity marks connID alive for traffic the manager never sees,
// such as protocol-level pongs. Unknown ids are ignored.
func (m *Manager) RecordActivity(connID string) {
	m.touch(connID)
}

func (m *Manager) touch(connID string) (*registry.Connection, bool) {
	conn, ok := m.registry.Get(connID)
	if !ok {
		return nil, false
	}
	conn.Touch(m.now())
	m.monitor.RecordActivity(connID)
	return conn, true
}
