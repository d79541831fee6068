package manager

import (
	"context"
	"time"

	"github.com/HMasataka/tether/internal/eventbus"
	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/scaling"
)

// Background task states
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
	TaskFailed    = "failed"
)

// Start launches the heartbeat, ttl_cleanup and throttle_drain tasks. They
// stop when ctx is cancelled or on Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return errors.ErrShuttingDown
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.spawn(ctx, "heartbeat", func(ctx context.Context) {
		m.monitor.Run(ctx, m.probe, m.onDead)
	})
	m.spawn(ctx, "ttl_cleanup", m.cleanupLoop)
	if m.queue != nil {
		m.spawn(ctx, "throttle_drain", m.drainLoop)
	}

	m.logger.Info("connection manager started",
		"max_total_connections", m.cfg.MaxTotalConnections,
		"max_connections_per_user", m.cfg.MaxConnectionsPerUser,
		"ttl", m.cfg.TTL.String(),
	)
	return nil
}

func (m *Manager) spawn(ctx context.Context, name string, fn func(context.Context)) {
	m.setTask(name, TaskRunning)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("background task panicked", "task", name, "panic", r)
				m.setTask(name, TaskFailed)
				return
			}
			if ctx.Err() != nil {
				m.setTask(name, TaskCancelled)
				return
			}
			m.setTask(name, TaskCompleted)
		}()
		fn(ctx)
	}()
}

func (m *Manager) setTask(name, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = state
}

// BackgroundTasks reports the state of each background task
func (m *Manager) BackgroundTasks() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.tasks))
	for k, v := range m.tasks {
		out[k] = v
	}
	return out
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupStaleConnections(ctx)
		}
	}
}

func (m *Manager) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.DrainQueue(ctx)
		}
	}
}

// DrainQueue makes one delivery pass over every client with queued messages
// and returns how many were delivered. Users without a local connection are
// reached through the coordinator. Items whose breakers are all open stay
// queued.
func (m *Manager) DrainQueue(ctx context.Context) int {
	if m.queue == nil {
		return 0
	}
	delivered := 0
	for _, userID := range m.queue.Pending() {
		res := m.queue.Process(ctx, userID, m.redeliver)
		delivered += res.Delivered
	}
	return delivered
}

// redeliver returns the circuit-open error untouched so the queue defers
// the item instead of counting an attempt
func (m *Manager) redeliver(ctx context.Context, item ratelimit.Item) error {
	conns := m.registry.ByUser(item.ClientID)
	if len(conns) > 0 {
		res := m.fanOut(ctx, conns, item.Message)
		switch {
		case res.delivered > 0:
			return nil
		case res.blocked == len(conns):
			return res.cause
		}
		return errNotDelivered
	}

	if m.coordinator == nil {
		return errNotDelivered
	}
	ok, err := m.coordinator.BroadcastToUser(ctx, item.ClientID, item.Message)
	switch {
	case err != nil:
		return err
	case !ok:
		return errNotDelivered
	}
	return nil
}

// CleanupStaleConnections removes every connection idle for longer than the
// TTL or whose transport is gone, then prunes empty indexes and idle
// limiter state. Running it twice in a row removes nothing the second time.
func (m *Manager) CleanupStaleConnections(ctx context.Context) int {
	now := m.now()
	stale := m.policy.FindStale(m.registry.Snapshot(), now, m.cfg.TTL)

	removed := 0
	for _, id := range stale {
		conn, ok := m.registry.Unregister(id)
		if !ok {
			continue
		}
		m.teardown(ctx, conn, domain.CloseNormal, domain.ReasonStaleCleanup, eventbus.EventConnectionStale)
		removed++
	}
	m.staleCleanups.Add(int64(removed))

	m.registry.Compact()
	if m.limiter != nil {
		m.limiter.Prune(now)
	}
	m.fallback.Prune()

	if removed > 0 {
		m.logger.Info("stale connections cleaned up",
			"removed", removed,
			"remaining", m.registry.Len(),
		)
	}
	return removed
}

func (m *Manager) probe(ctx context.Context, id string) error {
	conn, ok := m.registry.Get(id)
	if !ok {
		return errors.ErrConnectionNotFound.WithDetails(id)
	}
	if !conn.Transport.IsConnected() {
		return errors.ErrTransportClosed.WithDetails(id)
	}
	return conn.Transport.Send(ctx, domain.NewMessage(domain.MessageTypePing, nil))
}

func (m *Manager) onDead(id string) {
	conn, ok := m.registry.Unregister(id)
	if !ok {
		return
	}
	m.heartbeatDeaths.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	m.teardown(ctx, conn, domain.CloseGoingAway, domain.ReasonHeartbeatDead, eventbus.EventHeartbeatDead)
}

// Shutdown stops the background tasks, tells every client to reconnect
// later, closes every transport and clears all state. Later calls are
// no-ops. Close failures are tolerated.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		err = m.shutdown(ctx)
	})
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.logger.Info("shutting down connection manager", "connections", m.registry.Len())

	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	var err error
	if m.coordinator != nil && m.coordinator.Status() == scaling.StatusActive {
		err = m.coordinator.Shutdown(ctx)
	} else {
		notice := domain.NewMessage(domain.MessageTypeSystemShutdown, domain.ShutdownNotice{
			Message:        "Server is shutting down, please reconnect",
			ReconnectDelay: m.cfg.ReconnectDelay.Seconds(),
		})
		m.broadcastLocal(ctx, notice)
		if m.coordinator != nil {
			err = m.coordinator.Shutdown(ctx)
		}
	}
	if err != nil {
		m.handleError(ctx, err)
	}

	m.connectMu.Lock()
	conns := m.registry.Clear()
	m.connectMu.Unlock()
	for _, conn := range conns {
		conn.SetHealthy(false)
		if cerr := conn.Transport.Close(ctx, domain.CloseServiceRestart, domain.ReasonServerShutdown); cerr != nil {
			m.handleError(ctx, errors.ErrTransport.WithDetails(conn.ID).WithCause(cerr))
		}
		m.recorder.ConnectionClosed(domain.ReasonServerShutdown, 0)
	}

	m.monitor.Clear()
	m.breakers.Clear()
	if m.queue != nil {
		m.queue.Clear()
	}
	m.fallback.Clear()

	m.publish(eventbus.EventManagerShutdown, map[string]int{"connections_closed": len(conns)})
	m.logger.Info("connection manager stopped", "connections_closed", len(conns))
	return err
}
