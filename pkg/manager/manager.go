// Package manager owns every live connection on this instance. It admits new
// connections under per-user and global bounds, routes outbound traffic and
// tears connections down when they die, go stale or are evicted.
package manager

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/tether/internal/eventbus"
	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/eviction"
	"github.com/HMasataka/tether/pkg/heartbeat"
	"github.com/HMasataka/tether/pkg/registry"
	"github.com/HMasataka/tether/pkg/resilience"
)

const (
	eventSource = "manager"

	limitTotal = "total"
	limitUser  = "user"
)

// Manager is the connection manager for one instance
type Manager struct {
	cfg         Config
	registry    *registry.Registry
	policy      eviction.Policy
	monitor     LivenessMonitor
	limiter     RateLimiter
	queue       ThrottleQueue
	coordinator Coordinator
	breakers    *resilience.Breakers
	fallback    *resilience.FallbackHandler
	bus         eventbus.Bus
	recorder    Recorder
	errHandler  errors.Handler
	inbound     InboundHandler
	logger      *slog.Logger
	now         func() time.Time

	// serializes eviction decisions with registration
	connectMu sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	tasks     map[string]string
	started   bool
	closing   atomic.Bool
	closeOnce sync.Once
	startTime time.Time

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	errorsHandled    atomic.Int64
	evictions        atomic.Int64
	staleCleanups    atomic.Int64
	heartbeatDeaths  atomic.Int64
	rateLimited      atomic.Int64
	fallbacksServed  atomic.Int64
	messagesQueued   atomic.Int64
}

// New creates a manager. Collaborators not supplied through options get
// their defaults: TTL eviction, a heartbeat monitor for the development
// environment, a fallback handler and no rate limiting.
func New(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:      cfg,
		registry: registry.New(cfg.MaxTotalConnections),
		policy:   eviction.NewTTLPolicy(),
		recorder: nopRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
		tasks:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With("component", "manager")
	if m.errHandler == nil {
		m.errHandler = errors.NewDefaultHandler(m.logger)
	}
	if m.monitor == nil {
		m.monitor = heartbeat.New(heartbeat.DefaultConfig(),
			heartbeat.WithLogger(m.logger),
			heartbeat.WithClock(m.now),
		)
	}
	if m.fallback == nil {
		m.fallback = resilience.NewFallbackHandler(cfg.FallbackTTL,
			resilience.WithFallbackClock(m.now),
			resilience.WithFallbackLogger(m.logger),
		)
	}

	settings := cfg.Breaker
	if settings.Now == nil {
		settings.Now = m.now
	}
	settings.OnStateChange = m.onCircuitStateChange
	m.breakers = resilience.NewBreakers(settings)

	m.startTime = m.now()
	return m
}

// SetCoordinator enables cross-instance delivery. It must be called before
// Start.
func (m *Manager) SetCoordinator(c Coordinator) {
	m.coordinator = c
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// Connect admits a new connection for req.UserID. When a bound would be
// exceeded the oldest connections are evicted in the same critical section
// that registers the new one.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest, t domain.Transport) (string, error) {
	if m.closing.Load() {
		return "", errors.ErrShuttingDown
	}
	if req.UserID == "" || t == nil {
		return "", errors.ErrInvalidInput.WithDetails("connect requires a user id and a transport")
	}

	if m.limiter != nil {
		key := req.ClientIP
		if key == "" {
			key = "user:" + req.UserID
		}
		if res := m.limiter.CheckConnectionAttempt(key); !res.Allowed {
			m.rateLimited.Add(1)
			m.recorder.RateLimitedRequest("connection")
			m.notifyRateLimited(ctx, t, res.Reason, res.RetryAfter, res.Usage, res.Limits)
			m.publish(eventbus.EventConnectionRejected, eventbus.ConnectionData{
				UserID: req.UserID,
				Code:   domain.CloseTryAgainLater,
				Reason: res.Reason,
			})
			return "", errors.ErrRateLimited.WithDetails(res.Reason).WithRetryAfter(res.RetryAfter)
		}
	}

	tier := req.Tier
	if tier == "" {
		tier = string(m.cfg.DefaultTier)
	}

	conn := registry.NewConnection(registry.Options{
		UserID:    req.UserID,
		ThreadID:  req.ThreadID,
		RunID:     req.RunID,
		ClientIP:  req.ClientIP,
		Tier:      tier,
		Metadata:  req.Metadata,
		Transport: t,
		Now:       m.now(),
	})

	evicted, err := m.admit(conn)
	if err != nil {
		m.publish(eventbus.EventConnectionRejected, eventbus.ConnectionData{
			UserID: req.UserID,
			Code:   domain.CloseTryAgainLater,
			Reason: err.Error(),
		})
		return "", err
	}

	for _, v := range evicted {
		m.evictions.Add(1)
		m.recorder.Evicted(v.limit)
		m.logger.Info("evicting connection",
			"connection_id", v.conn.ID,
			"user_id", v.conn.UserID,
			"limit", v.limit,
		)
		m.teardown(ctx, v.conn, domain.ClosePolicyViolation, domain.ReasonConnectionLimit, eventbus.EventConnectionEvicted)
	}

	m.monitor.Register(conn.ID)
	if m.coordinator != nil {
		if err := m.coordinator.RegisterConnection(ctx, conn.UserID, conn.ID, conn.Metadata); err != nil {
			m.handleError(ctx, err)
		}
	}

	// admitted before Shutdown took connectMu; Shutdown owns the transport
	if m.closing.Load() {
		m.monitor.Unregister(conn.ID)
		if m.coordinator != nil {
			_ = m.coordinator.UnregisterConnection(ctx, conn.UserID, conn.ID)
		}
		return "", errors.ErrShuttingDown
	}

	m.totalConnections.Add(1)
	m.recorder.ConnectionOpened(m.registry.Len())
	m.publish(eventbus.EventConnectionEstablished, eventbus.ConnectionData{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		RunID:        conn.RunID(),
	})

	established := domain.ConnectionEstablished{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		ThreadID:     conn.ThreadID(),
		RunID:        conn.RunID(),
		ServerTime:   m.now().UTC(),
	}
	if m.coordinator != nil {
		established.InstanceID = m.coordinator.InstanceID()
	}
	if err := m.deliver(ctx, conn, domain.NewMessage(domain.MessageTypeConnectionEstablished, established)); err != nil {
		m.logger.Debug("connection_established not delivered", "connection_id", conn.ID, "error", err)
	}

	m.logger.Info("connection established",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"total_connections", m.registry.Len(),
	)
	return conn.ID, nil
}

type victim struct {
	conn  *registry.Connection
	limit string
}

// admit picks victims for the global bound first and then for the per-user
// bound, and swaps them for conn atomically.
func (m *Manager) admit(conn *registry.Connection) ([]victim, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.closing.Load() {
		return nil, errors.ErrShuttingDown
	}

	snapshot := m.registry.Snapshot()
	limits := make(map[string]string)

	remaining := snapshot
	for len(remaining) >= m.cfg.MaxTotalConnections {
		id, ok := m.policy.VictimForTotalLimit(remaining)
		if !ok {
			break
		}
		limits[id] = limitTotal
		remaining = without(remaining, id)
	}

	for countUser(remaining, conn.UserID) >= m.cfg.MaxConnectionsPerUser {
		id, ok := m.policy.VictimForUserLimit(remaining, conn.UserID)
		if !ok {
			break
		}
		limits[id] = limitUser
		remaining = without(remaining, id)
	}

	evict := make([]string, 0, len(limits))
	for id := range limits {
		evict = append(evict, id)
	}
	sort.Strings(evict)

	removed, err := m.registry.Swap(evict, conn)
	if err != nil {
		return nil, err
	}

	out := make([]victim, 0, len(removed))
	for _, c := range removed {
		out = append(out, victim{conn: c, limit: limits[c.ID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].conn.ID < out[j].conn.ID })
	return out, nil
}

func without(infos []registry.Info, id string) []registry.Info {
	out := make([]registry.Info, 0, len(infos))
	for _, info := range infos {
		if info.ID != id {
			out = append(out, info)
		}
	}
	return out
}

func countUser(infos []registry.Info, userID string) int {
	n := 0
	for _, info := range infos {
		if info.UserID == userID {
			n++
		}
	}
	return n
}

// Disconnect removes the connection of userID that owns t. Unknown
// transports are a no-op.
func (m *Manager) Disconnect(ctx context.Context, userID string, t domain.Transport, code int, reason string) {
	for _, conn := range m.registry.ByUser(userID) {
		if conn.Transport == t {
			m.DisconnectByID(ctx, conn.ID, code, reason)
			return
		}
	}
}

// DisconnectByID removes connection id and closes its transport. It reports
// whether the connection was still registered.
func (m *Manager) DisconnectByID(ctx context.Context, id string, code int, reason string) bool {
	conn, ok := m.registry.Unregister(id)
	if !ok {
		return false
	}
	m.teardown(ctx, conn, code, reason, eventbus.EventConnectionClosed)
	return true
}

// teardown releases everything held for a connection already removed from
// the registry. Close failures are logged and counted, never returned.
func (m *Manager) teardown(ctx context.Context, conn *registry.Connection, code int, reason string, event eventbus.EventType) {
	m.monitor.Unregister(conn.ID)
	m.breakers.Remove(transportBreaker(conn.ID))
	conn.SetHealthy(false)

	if m.coordinator != nil {
		if err := m.coordinator.UnregisterConnection(ctx, conn.UserID, conn.ID); err != nil {
			m.handleError(ctx, err)
		}
		// keep the directory pointing here while the user has other connections
		if rest := m.registry.ByUser(conn.UserID); len(rest) > 0 {
			newest := rest[0]
			for _, c := range rest[1:] {
				if c.ConnectedAt.After(newest.ConnectedAt) {
					newest = c
				}
			}
			if err := m.coordinator.RegisterConnection(ctx, newest.UserID, newest.ID, newest.Metadata); err != nil {
				m.handleError(ctx, err)
			}
		}
	}

	if err := conn.Transport.Close(ctx, code, reason); err != nil {
		m.handleError(ctx, errors.ErrTransport.WithDetails(fmt.Sprintf("close %s", conn.ID)).WithCause(err))
	}

	m.recorder.ConnectionClosed(reason, m.registry.Len())
	m.publish(event, eventbus.ConnectionData{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		RunID:        conn.RunID(),
		Code:         code,
		Reason:       reason,
	})
	m.logger.Info("connection closed",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"code", code,
		"reason", reason,
	)
}

// Connection returns the registered connection with id
func (m *Manager) Connection(id string) (*registry.Connection, bool) {
	return m.registry.Get(id)
}

// UserConnections returns the ids of userID's connections
func (m *Manager) UserConnections(userID string) []string {
	conns := m.registry.ByUser(userID)
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	sort.Strings(ids)
	return ids
}

// SetRun points connection id at runID. An empty runID clears it.
func (m *Manager) SetRun(id, runID string) error {
	return m.registry.SetRun(id, runID)
}

// SetThread points connection id at threadID. An empty threadID clears it.
func (m *Manager) SetThread(id, threadID string) error {
	return m.registry.SetThread(id, threadID)
}

func (m *Manager) onCircuitStateChange(name string, from, to resilience.State) {
	m.recorder.CircuitStateChanged(to.String())
	m.publish(eventbus.EventCircuitStateChanged, eventbus.CircuitData{
		Name: name,
		From: from.String(),
		To:   to.String(),
	})
	m.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
}

func (m *Manager) handleError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	m.errorsHandled.Add(1)
	m.errHandler.Handle(ctx, err)
}

func (m *Manager) publish(t eventbus.EventType, data any) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(eventbus.NewEvent(t, eventSource, data))
}

func transportBreaker(connID string) string {
	return "transport:" + connID
}

func isCircuitOpen(err error) bool {
	return stderrors.Is(err, errors.ErrCircuitOpen)
}
