package manager

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/registry"
	"github.com/HMasataka/tether/pkg/resilience"
	"github.com/HMasataka/tether/pkg/scaling"
)

// SendResult reports the outcome of SendToUserThrottled
type SendResult struct {
	Delivered    bool          `json:"delivered"`
	Queued       bool          `json:"queued"`
	Position     int           `json:"position,omitempty"`
	Backpressure bool          `json:"backpressure,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
}

var errNotDelivered = errors.ErrTransport.WithDetails("no connection accepted the message")

// deliver sends msg to one connection through its breaker
func (m *Manager) deliver(ctx context.Context, conn *registry.Connection, msg any) error {
	cb := m.breakers.Get(transportBreaker(conn.ID))
	err := cb.Call(ctx, func(ctx context.Context) error {
		if !conn.Transport.IsConnected() {
			return errors.ErrTransportClosed.WithDetails(conn.ID)
		}
		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
		return conn.Transport.Send(sendCtx, msg)
	})
	if err != nil {
		if !isCircuitOpen(err) {
			m.recorder.SendFailed()
			m.handleError(ctx, errors.ErrTransport.WithDetails(conn.ID).WithCause(err))
		}
		return err
	}

	conn.Touch(m.now())
	conn.IncMessages()
	m.messagesSent.Add(1)
	m.recorder.MessageSent()
	return nil
}

// SendToConnection delivers msg to one local connection
func (m *Manager) SendToConnection(ctx context.Context, connID string, msg any) error {
	conn, ok := m.registry.Get(connID)
	if !ok {
		return errors.ErrConnectionNotFound.WithDetails(connID)
	}
	return m.deliver(ctx, conn, msg)
}

type fanOutResult struct {
	delivered int
	blocked   int
	cause     error
}

func (m *Manager) fanOut(ctx context.Context, conns []*registry.Connection, msg any) fanOutResult {
	var res fanOutResult
	for _, conn := range conns {
		err := m.deliver(ctx, conn, msg)
		switch {
		case err == nil:
			res.delivered++
		case isCircuitOpen(err):
			res.blocked++
			res.cause = err
		default:
			res.cause = err
		}
	}
	return res
}

// SendToUser delivers msg to every local connection of userID and reports
// whether at least one accepted it. Without local connections the message
// is relayed through the coordinator. When every local path is tripped the
// fallback response is served and the message is queued for later.
func (m *Manager) SendToUser(ctx context.Context, userID string, msg any) bool {
	conns := m.registry.ByUser(userID)
	if len(conns) == 0 {
		if m.coordinator != nil {
			return m.relayToUser(ctx, userID, msg)
		}
		return false
	}

	res := m.fanOut(ctx, conns, msg)
	if res.delivered > 0 {
		return true
	}
	if res.blocked == len(conns) {
		m.degrade(ctx, resilience.OpSendMessage, userID, msg, res.cause)
	}
	return false
}

// sendLocal delivers to local connections only
func (m *Manager) sendLocal(ctx context.Context, userID string, msg any) bool {
	conns := m.registry.ByUser(userID)
	if len(conns) == 0 {
		return false
	}
	return m.fanOut(ctx, conns, msg).delivered > 0
}

// A directory entry pointing at a dead instance counts as a failed delivery.
func (m *Manager) relayToUser(ctx context.Context, userID string, msg any) bool {
	ok, err := m.coordinator.BroadcastToUser(ctx, userID, msg)
	switch {
	case err == nil:
		return ok
	case stderrors.Is(err, errors.ErrConnectionNotFound):
		m.logger.Debug("user has no connection on any instance", "user_id", userID)
	case isCircuitOpen(err):
		m.degrade(ctx, resilience.OpRelayMessage, userID, msg, err)
	default:
		m.handleError(ctx, err)
	}
	return false
}

// degrade serves the fallback for operation and buffers msg
func (m *Manager) degrade(ctx context.Context, operation, userID string, msg any, cause error) resilience.Response {
	resp := m.fallback.Handle(operation, userID, cause)
	m.fallbacksServed.Add(1)
	m.recorder.FallbackServed()

	if m.queue != nil && userID != "" {
		if _, err := m.queue.Enqueue(userID, msg, ratelimit.PriorityNormal); err != nil {
			m.handleError(ctx, err)
		} else {
			m.messagesQueued.Add(1)
			m.recorder.MessageQueued()
		}
	}
	m.logger.Warn("delivery degraded to fallback",
		"operation", operation,
		"user_id", userID,
		"status", resp.Status,
	)
	return resp
}

// SendToUserThrottled applies the outbound quota of tier before delivering.
// Denied traffic is buffered and drained by the throttle_drain task.
func (m *Manager) SendToUserThrottled(ctx context.Context, userID string, tier ratelimit.Tier, msg any, priority ratelimit.Priority) (SendResult, error) {
	if m.limiter == nil || m.queue == nil {
		return SendResult{Delivered: m.SendToUser(ctx, userID, msg)}, nil
	}

	res := m.limiter.Check(outboundKey(userID), tier)
	if res.Allowed {
		return SendResult{Delivered: m.SendToUser(ctx, userID, msg)}, nil
	}

	m.rateLimited.Add(1)
	m.recorder.RateLimitedRequest("outbound")

	q, err := m.queue.Enqueue(userID, msg, priority)
	out := SendResult{
		Reason:       res.Reason,
		RetryAfter:   res.RetryAfter,
		Backpressure: q.Backpressure,
	}
	if err != nil {
		return out, err
	}

	m.messagesQueued.Add(1)
	m.recorder.MessageQueued()
	out.Queued = true
	out.Position = q.Position
	return out, nil
}

func outboundKey(userID string) string {
	return "outbound:" + userID
}

// SendToThread delivers msg to every connection bound to threadID
func (m *Manager) SendToThread(ctx context.Context, threadID string, msg any) int {
	if threadID == "" {
		return 0
	}
	return m.fanOut(ctx, m.registry.ByThread(threadID), msg).delivered
}

// SendAgentUpdate delivers an agent update to the connections bound to runID
// and returns how many accepted it. Unknown run ids are a no-op. A
// domain.AgentEvent selects the envelope type.
func (m *Manager) SendAgentUpdate(ctx context.Context, runID, agentName string, update any) int {
	if runID == "" {
		return 0
	}
	conns := m.registry.ByRun(runID)
	if len(conns) == 0 {
		m.logger.Debug("no connections for run", "run_id", runID)
		return 0
	}

	msgType := domain.MessageTypeAgentUpdate
	data := update
	if ev, ok := update.(domain.AgentEvent); ok {
		if ev.Type != "" {
			msgType = ev.Type
		}
		data = ev.Data
	}
	msg := domain.NewMessage(msgType, domain.AgentPayload{
		RunID:     runID,
		AgentName: agentName,
		Update:    data,
		Timestamp: m.now().UTC(),
	})

	res := m.fanOut(ctx, conns, msg)
	if res.delivered == 0 && res.blocked == len(conns) {
		seen := make(map[string]struct{})
		for _, c := range conns {
			if _, ok := seen[c.UserID]; ok {
				continue
			}
			seen[c.UserID] = struct{}{}
			m.degrade(ctx, resilience.OpAgentUpdate, c.UserID, msg, res.cause)
		}
	}
	return res.delivered
}

// BroadcastToAll delivers msg to every local connection and returns the
// number of successful deliveries. An active coordinator also publishes it
// to the other instances. Individual failures do not abort the broadcast.
func (m *Manager) BroadcastToAll(ctx context.Context, msg any) int {
	if m.coordinator != nil && m.coordinator.Status() == scaling.StatusActive {
		res, err := m.coordinator.BroadcastToAll(ctx, msg)
		if err != nil {
			if isCircuitOpen(err) {
				m.fallback.Handle(resilience.OpBroadcast, "", err)
				m.fallbacksServed.Add(1)
				m.recorder.FallbackServed()
			} else {
				m.handleError(ctx, err)
			}
		}
		return res.LocalDeliveries
	}
	return m.broadcastLocal(ctx, msg)
}

func (m *Manager) broadcastLocal(ctx context.Context, msg any) int {
	return m.fanOut(ctx, m.registry.All(), msg).delivered
}

// Local returns the view of this manager used by the coordinator to deliver
// relayed messages. It never relays again.
func (m *Manager) Local() scaling.LocalDelivery {
	return localDelivery{m: m}
}

type localDelivery struct {
	m *Manager
}

func (l localDelivery) DeliverToUser(ctx context.Context, userID string, msg any) bool {
	return l.m.sendLocal(ctx, userID, msg)
}

func (l localDelivery) DeliverToAll(ctx context.Context, msg any) int {
	return l.m.broadcastLocal(ctx, msg)
}

func (l localDelivery) ConnectionCount() int {
	return l.m.registry.Len()
}

func (m *Manager) notifyRateLimited(ctx context.Context, t domain.Transport, reason string, retry time.Duration, usage, limits map[string]int) {
	notice := domain.NewMessage(domain.MessageTypeRateLimitExceeded, domain.RateLimitNotice{
		Reason:       reason,
		RetryAfter:   retry.Seconds(),
		CurrentUsage: usage,
		Limits:       limits,
	})
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	if err := t.Send(sendCtx, notice); err != nil {
		m.handleError(ctx, errors.ErrTransport.WithDetails("rate limit notice").WithCause(err))
	}
}
