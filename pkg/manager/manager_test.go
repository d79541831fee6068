package manager_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/internal/transporttest"
	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
	"github.com/HMasataka/tether/pkg/heartbeat"
	"github.com/HMasataka/tether/pkg/manager"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/resilience"
	"github.com/HMasataka/tether/pkg/scaling"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() manager.Config {
	cfg := manager.DefaultConfig()
	cfg.SendTimeout = time.Second
	return cfg
}

func newManager(t *testing.T, clock *testClock, cfg manager.Config, opts ...manager.Option) *manager.Manager {
	t.Helper()
	base := []manager.Option{
		manager.WithClock(clock.Now),
		manager.WithLogger(logging.Discard().Logger),
	}
	m := manager.New(cfg, append(base, opts...)...)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// connect registers a fake transport and advances the clock so connection
// ages are strictly ordered.
func connect(t *testing.T, m *manager.Manager, clock *testClock, req manager.ConnectRequest) (string, *transporttest.Fake) {
	t.Helper()
	f := transporttest.New()
	id, err := m.Connect(context.Background(), req, f)
	require.NoError(t, err)
	clock.Advance(time.Second)
	return id, f
}

func TestManager_ConnectSendsEstablished(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())

	id, f := connect(t, m, clock, manager.ConnectRequest{UserID: "u1", ThreadID: "th1", RunID: "run1"})
	assert.Regexp(t, `^conn_u1_[0-9a-v]{8}$`, id)
	assert.Equal(t, []domain.MessageType{domain.MessageTypeConnectionEstablished}, f.Types())

	conn, ok := m.Connection(id)
	require.True(t, ok)
	assert.Equal(t, "run1", conn.RunID())
	assert.Equal(t, "th1", conn.ThreadID())
	assert.Equal(t, string(ratelimit.TierFree), conn.Tier)

	stats := m.GetStats()
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, int64(1), stats.MessagesSent)
}

func TestManager_ConnectValidation(t *testing.T) {
	m := newManager(t, newTestClock(), testConfig())

	_, err := m.Connect(context.Background(), manager.ConnectRequest{}, transporttest.New())
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = m.Connect(context.Background(), manager.ConnectRequest{UserID: "u1"}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestManager_PerUserCapEvictsOldest(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())

	var fakes []*transporttest.Fake
	var ids []string
	for range 6 {
		id, f := connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})
		ids = append(ids, id)
		fakes = append(fakes, f)
	}

	remaining := m.UserConnections("u1")
	assert.Len(t, remaining, 5)
	assert.NotContains(t, remaining, ids[0])
	assert.Contains(t, remaining, ids[5])

	code, reason, count := fakes[0].Closed()
	assert.Equal(t, domain.ClosePolicyViolation, code)
	assert.Equal(t, domain.ReasonConnectionLimit, reason)
	assert.Equal(t, 1, count)

	for _, f := range fakes[1:] {
		_, _, count := f.Closed()
		assert.Zero(t, count)
	}
	assert.Equal(t, int64(1), m.GetStats().Evictions)
}

func TestManager_TotalLimitEvictsBeforeUserLimit(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig()
	cfg.MaxTotalConnections = 3
	cfg.MaxConnectionsPerUser = 2
	m := newManager(t, clock, cfg)

	a1, fa1 := connect(t, m, clock, manager.ConnectRequest{UserID: "a"})
	b1, fb1 := connect(t, m, clock, manager.ConnectRequest{UserID: "b"})
	b2, _ := connect(t, m, clock, manager.ConnectRequest{UserID: "b"})
	b3, _ := connect(t, m, clock, manager.ConnectRequest{UserID: "b"})

	assert.Empty(t, m.UserConnections("a"))
	assert.ElementsMatch(t, []string{b2, b3}, m.UserConnections("b"))
	_, ok := m.Connection(a1)
	assert.False(t, ok)
	_, ok = m.Connection(b1)
	assert.False(t, ok)

	code, _, _ := fa1.Closed()
	assert.Equal(t, domain.ClosePolicyViolation, code)
	code, _, _ = fb1.Closed()
	assert.Equal(t, domain.ClosePolicyViolation, code)
	assert.Equal(t, int64(2), m.GetStats().Evictions)
	assert.LessOrEqual(t, m.GetStats().ActiveConnections, cfg.MaxTotalConnections)
}

func TestManager_RunRoutingIsolation(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())
	ctx := context.Background()

	_, fx := connect(t, m, clock, manager.ConnectRequest{UserID: "u1", RunID: "run_x"})
	_, fy := connect(t, m, clock, manager.ConnectRequest{UserID: "u2", RunID: "run_y"})
	_, fnone := connect(t, m, clock, manager.ConnectRequest{UserID: "u3"})

	assert.Equal(t, 1, m.SendAgentUpdate(ctx, "run_x", "planner", map[string]string{"step": "1"}))
	assert.Equal(t, 1, fx.CountType(domain.MessageTypeAgentUpdate))
	assert.Zero(t, fy.CountType(domain.MessageTypeAgentUpdate))
	assert.Zero(t, fnone.CountType(domain.MessageTypeAgentUpdate))

	sent := m.SendAgentUpdate(ctx, "run_y", "planner", domain.AgentEvent{Type: domain.MessageTypeToolExecuting, Data: "search"})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, fy.CountType(domain.MessageTypeToolExecuting))
	assert.Zero(t, fx.CountType(domain.MessageTypeToolExecuting))

	assert.Zero(t, m.SendAgentUpdate(ctx, "run_unknown", "planner", "x"))
	assert.Zero(t, m.SendAgentUpdate(ctx, "", "planner", "x"))

	msgs := fx.Messages()
	last, ok := msgs[len(msgs)-1].(domain.Message)
	require.True(t, ok)
	payload, ok := last.Payload.(domain.AgentPayload)
	require.True(t, ok)
	assert.Equal(t, "run_x", payload.RunID)
	assert.Equal(t, "planner", payload.AgentName)
}

func TestManager_SendToUserAndThread(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())
	ctx := context.Background()

	_, f1 := connect(t, m, clock, manager.ConnectRequest{UserID: "u1", ThreadID: "t1"})
	_, f2 := connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})
	_, f3 := connect(t, m, clock, manager.ConnectRequest{UserID: "u2", ThreadID: "t1"})

	msg := domain.NewMessage(domain.MessageTypeAgentCompleted, nil)
	assert.True(t, m.SendToUser(ctx, "u1", msg))
	assert.Equal(t, 1, f1.CountType(domain.MessageTypeAgentCompleted))
	assert.Equal(t, 1, f2.CountType(domain.MessageTypeAgentCompleted))
	assert.Zero(t, f3.CountType(domain.MessageTypeAgentCompleted))

	assert.False(t, m.SendToUser(ctx, "nobody", msg))

	assert.Equal(t, 2, m.SendToThread(ctx, "t1", domain.NewMessage(domain.MessageTypeAgentThinking, nil)))
	assert.Zero(t, f2.CountType(domain.MessageTypeAgentThinking))
	assert.Zero(t, m.SendToThread(ctx, "", msg))
}

func TestManager_BroadcastPartialFailure(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())

	_, f1 := connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})
	_, f2 := connect(t, m, clock, manager.ConnectRequest{UserID: "u2"})
	_, f3 := connect(t, m, clock, manager.ConnectRequest{UserID: "u3"})
	f2.FailSends(true)

	n := m.BroadcastToAll(context.Background(), domain.NewMessage(domain.MessageTypeAgentUpdate, "hello"))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f1.CountType(domain.MessageTypeAgentUpdate))
	assert.Equal(t, 1, f3.CountType(domain.MessageTypeAgentUpdate))
	assert.Equal(t, int64(1), m.GetStats().ErrorsHandled)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())
	ctx := context.Background()

	id, f := connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})
	f.FailCloses(true)

	m.Disconnect(ctx, "u1", f, domain.CloseNormal, domain.ReasonClientClosed)
	m.Disconnect(ctx, "u1", f, domain.CloseNormal, domain.ReasonClientClosed)
	assert.False(t, m.DisconnectByID(ctx, id, domain.CloseNormal, domain.ReasonClientClosed))

	_, _, count := f.Closed()
	assert.Equal(t, 1, count)
	assert.Empty(t, m.UserConnections("u1"))
	assert.Equal(t, int64(1), m.GetStats().ErrorsHandled, "close error swallowed and counted")
}

func TestManager_CleanupStaleConnectionsIsIdempotent(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())
	ctx := context.Background()

	idle, fidle := connect(t, m, clock, manager.ConnectRequest{UserID: "u1", RunID: "r1"})
	fresh, _ := connect(t, m, clock, manager.ConnectRequest{UserID: "u2"})
	gone, fgone := connect(t, m, clock, manager.ConnectRequest{UserID: "u3"})
	fgone.SetConnected(false)

	clock.Advance(301 * time.Second)
	require.NoError(t, m.HandleInbound(ctx, fresh, []byte(`{"type":"pong"}`)))

	assert.Equal(t, 2, m.CleanupStaleConnections(ctx))
	assert.Zero(t, m.CleanupStaleConnections(ctx))

	for _, id := range []string{idle, gone} {
		_, ok := m.Connection(id)
		assert.False(t, ok)
	}
	_, ok := m.Connection(fresh)
	assert.True(t, ok)

	_, reason, _ := fidle.Closed()
	assert.Equal(t, domain.ReasonStaleCleanup, reason)

	stats := m.GetStats()
	assert.Equal(t, int64(2), stats.StaleCleanups)
	assert.Equal(t, 1, stats.Users)
	assert.Zero(t, stats.Runs)
}

func TestManager_MemoryHealth(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig()
	cfg.MaxTotalConnections = 5
	m := newManager(t, clock, cfg)

	for i := range 3 {
		connect(t, m, clock, manager.ConnectRequest{UserID: string(rune('a' + i))})
	}
	stats := m.GetStats()
	assert.Equal(t, manager.MemoryHealthOK, stats.MemoryHealth)
	assert.InDelta(t, 0.6, stats.ConnectionUtilization, 1e-9)

	connect(t, m, clock, manager.ConnectRequest{UserID: "d"})
	assert.Equal(t, manager.MemoryHealthHigh, m.GetStats().MemoryHealth)
}

func TestManager_RateLimitedConnect(t *testing.T) {
	clock := newTestClock()
	lcfg := ratelimit.DefaultConfig()
	lcfg.ConnectionAttempts = 2
	limiter := ratelimit.New(lcfg, ratelimit.WithClock(clock.Now))
	m := newManager(t, clock, testConfig(), manager.WithRateLimiter(limiter))

	req := manager.ConnectRequest{UserID: "u1", ClientIP: "10.0.0.1"}
	connect(t, m, clock, req)
	connect(t, m, clock, req)

	f := transporttest.New()
	_, err := m.Connect(context.Background(), req, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRateLimited)
	retry, ok := errors.RetryAfter(err)
	assert.True(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	assert.Equal(t, 1, f.CountType(domain.MessageTypeRateLimitExceeded))
	assert.Len(t, m.UserConnections("u1"), 2)
	assert.Equal(t, int64(1), m.GetStats().RateLimited)

	// a different address is admitted
	connect(t, m, clock, manager.ConnectRequest{UserID: "u1", ClientIP: "10.0.0.2"})
}

func TestManager_InboundControlAndQuota(t *testing.T) {
	clock := newTestClock()
	limiter := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(clock.Now))

	var forwarded []string
	m := newManager(t, clock, testConfig(),
		manager.WithRateLimiter(limiter),
		manager.WithInboundHandler(func(_ context.Context, connID, userID string, data []byte) error {
			forwarded = append(forwarded, string(data))
			return nil
		}),
	)
	ctx := context.Background()

	id, f := connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})

	require.NoError(t, m.HandleInbound(ctx, id, []byte(`{"type":"ping"}`)))
	assert.Equal(t, 1, f.CountType(domain.MessageTypePong))

	require.NoError(t, m.HandleInbound(ctx, id, []byte(`{"type":"set_run","run_id":"r9"}`)))
	assert.Equal(t, 1, m.SendAgentUpdate(ctx, "r9", "agent", "x"))

	for range 5 {
		require.NoError(t, m.HandleInbound(ctx, id, []byte(`{"type":"chat"}`)))
	}
	err := m.HandleInbound(ctx, id, []byte(`{"type":"chat"}`))
	assert.ErrorIs(t, err, errors.ErrRateLimited)
	assert.Len(t, forwarded, 5)
	assert.Equal(t, 1, f.CountType(domain.MessageTypeRateLimitExceeded))

	assert.Error(t, m.HandleInbound(ctx, id, []byte(`not json`)))
	assert.ErrorIs(t, m.HandleInbound(ctx, "conn_missing", []byte(`{}`)), errors.ErrConnectionNotFound)
}

func TestManager_OpenBreakerServesFallbackAndQueues(t *testing.T) {
	clock := newTestClock()
	cfg := testConfig()
	cfg.Breaker = resilience.Settings{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 30 * time.Second}
	queue := ratelimit.NewQueue(ratelimit.DefaultQueueConfig(), ratelimit.WithQueueClock(clock.Now))
	m := newManager(t, clock, cfg, manager.WithThrottleQueue(queue))
	ctx := context.Background()

	_, f := connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})
	f.FailSends(true)

	msg := domain.NewMessage(domain.MessageTypeAgentUpdate, "payload")
	assert.False(t, m.SendToUser(ctx, "u1", msg))
	assert.False(t, m.SendToUser(ctx, "u1", msg))
	assert.Zero(t, m.GetStats().FallbacksServed)

	assert.False(t, m.SendToUser(ctx, "u1", msg))
	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.FallbacksServed)
	assert.Equal(t, int64(1), stats.MessagesQueued)
	assert.Equal(t, 1, queue.Len("u1"))

	metrics := m.GetComprehensiveMetrics()
	assert.Equal(t, 1, metrics.OpenBreakers)
	require.NotNil(t, metrics.Throttle)

	// held while the breaker is open, however many passes run
	for range 5 {
		assert.Zero(t, m.DrainQueue(ctx))
	}
	assert.Equal(t, 1, queue.Len("u1"))
	assert.Zero(t, queue.Stats().Dropped)

	f.FailSends(false)
	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, m.DrainQueue(ctx))
	assert.Zero(t, queue.Len("u1"))
	assert.Equal(t, 1, f.CountType(domain.MessageTypeAgentUpdate))
}

// relayCoordinator fails relays with the queued errors, then accepts them
type relayCoordinator struct {
	mu        sync.Mutex
	failures  []error
	calls     int
	delivered []any
}

func (c *relayCoordinator) InstanceID() string     { return "inst-test" }
func (c *relayCoordinator) Status() scaling.Status { return scaling.StatusActive }

func (c *relayCoordinator) RegisterConnection(context.Context, string, string, map[string]string) error {
	return nil
}

func (c *relayCoordinator) UnregisterConnection(context.Context, string, string) error {
	return nil
}

func (c *relayCoordinator) BroadcastToUser(_ context.Context, _ string, msg any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return false, err
	}
	c.delivered = append(c.delivered, msg)
	return true, nil
}

func (c *relayCoordinator) BroadcastToAll(context.Context, any) (scaling.BroadcastResult, error) {
	return scaling.BroadcastResult{Instances: 1}, nil
}

func (c *relayCoordinator) Shutdown(context.Context) error { return nil }

func TestManager_DrainRelaysOnceRelayBreakerCloses(t *testing.T) {
	clock := newTestClock()
	queue := ratelimit.NewQueue(ratelimit.DefaultQueueConfig(), ratelimit.WithQueueClock(clock.Now))
	m := newManager(t, clock, testConfig(), manager.WithThrottleQueue(queue))
	coord := &relayCoordinator{}
	for range 4 {
		coord.failures = append(coord.failures, errors.ErrCircuitOpen.WithDetails("relay"))
	}
	m.SetCoordinator(coord)
	ctx := context.Background()

	msg := domain.NewMessage(domain.MessageTypeAgentUpdate, "remote")
	assert.False(t, m.SendToUser(ctx, "remote-user", msg))
	assert.Equal(t, 1, queue.Len("remote-user"))
	assert.Equal(t, int64(1), m.GetStats().FallbacksServed)

	// three passes against the open relay breaker keep the message
	for range 3 {
		assert.Zero(t, m.DrainQueue(ctx))
	}
	assert.Equal(t, 1, queue.Len("remote-user"))

	assert.Equal(t, 1, m.DrainQueue(ctx))
	assert.Zero(t, m.DrainQueue(ctx))
	assert.Zero(t, queue.Len("remote-user"))
	assert.Zero(t, queue.Stats().Dropped)

	coord.mu.Lock()
	defer coord.mu.Unlock()
	assert.Equal(t, 5, coord.calls)
	assert.Equal(t, []any{msg}, coord.delivered)
}

func TestManager_ThrottledSendQueuesDeniedTraffic(t *testing.T) {
	clock := newTestClock()
	limiter := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(clock.Now))
	queue := ratelimit.NewQueue(ratelimit.DefaultQueueConfig(), ratelimit.WithQueueClock(clock.Now))
	m := newManager(t, clock, testConfig(), manager.WithRateLimiter(limiter), manager.WithThrottleQueue(queue))
	ctx := context.Background()

	_, f := connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})

	msg := domain.NewMessage(domain.MessageTypeAgentUpdate, nil)
	for range 5 {
		res, err := m.SendToUserThrottled(ctx, "u1", ratelimit.TierFree, msg, ratelimit.PriorityNormal)
		require.NoError(t, err)
		assert.True(t, res.Delivered)
	}

	res, err := m.SendToUserThrottled(ctx, "u1", ratelimit.TierFree, msg, ratelimit.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.True(t, res.Queued)
	assert.Equal(t, ratelimit.ReasonBurstLimit, res.Reason)
	assert.Equal(t, 5, f.CountType(domain.MessageTypeAgentUpdate))

	assert.Equal(t, 1, m.DrainQueue(ctx))
	assert.Equal(t, 6, f.CountType(domain.MessageTypeAgentUpdate))
}

func TestManager_HeartbeatDeathRemovesConnection(t *testing.T) {
	cfg := testConfig()
	mon := heartbeat.New(heartbeat.ConfigForEnvironment("testing"))
	m := manager.New(cfg, manager.WithMonitor(mon), manager.WithLogger(logging.Discard().Logger))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Shutdown(context.Background())

	f := transporttest.New()
	id, err := m.Connect(ctx, manager.ConnectRequest{UserID: "u1"}, f)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := m.Connection(id)
		return !ok
	}, 3*time.Second, 20*time.Millisecond)

	_, reason, _ := f.Closed()
	assert.Equal(t, domain.ReasonHeartbeatDead, reason)
	assert.Positive(t, f.CountType(domain.MessageTypePing))
	assert.Equal(t, int64(1), m.GetStats().HeartbeatDeaths)
}

func TestManager_ShutdownCompleteness(t *testing.T) {
	clock := newTestClock()
	queue := ratelimit.NewQueue(ratelimit.DefaultQueueConfig())
	m := newManager(t, clock, testConfig(), manager.WithThrottleQueue(queue))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	var fakes []*transporttest.Fake
	for _, u := range []string{"u1", "u1", "u2"} {
		_, f := connect(t, m, clock, manager.ConnectRequest{UserID: u, RunID: "r1"})
		fakes = append(fakes, f)
	}
	fakes[2].FailCloses(true)

	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	stats := m.GetStats()
	assert.Zero(t, stats.ActiveConnections)
	assert.Zero(t, stats.Users)
	assert.Zero(t, stats.Runs)

	for _, f := range fakes {
		assert.Equal(t, 1, f.CountType(domain.MessageTypeSystemShutdown))
		code, reason, count := f.Closed()
		assert.Equal(t, domain.CloseServiceRestart, code)
		assert.Equal(t, domain.ReasonServerShutdown, reason)
		assert.Equal(t, 1, count)
	}

	tasks := m.BackgroundTasks()
	assert.Len(t, tasks, 3)
	for name, state := range tasks {
		assert.Contains(t, []string{manager.TaskCompleted, manager.TaskCancelled}, state, name)
	}

	_, err := m.Connect(ctx, manager.ConnectRequest{UserID: "u3"}, transporttest.New())
	assert.True(t, stderrors.Is(err, errors.ErrShuttingDown))
	assert.ErrorIs(t, m.Start(ctx), errors.ErrShuttingDown)
}

// gatedTransport parks the first IsConnected call after arm until the
// returned release channel is closed
type gatedTransport struct {
	*transporttest.Fake
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) arm() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *gatedTransport) IsConnected() bool {
	g.mu.Lock()
	entered, release := g.entered, g.release
	g.entered, g.release = nil, nil
	g.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	return g.Fake.IsConnected()
}

func TestManager_ConnectRacingShutdownIsRejected(t *testing.T) {
	clock := newTestClock()
	m := newManager(t, clock, testConfig())
	ctx := context.Background()

	gate := &gatedTransport{Fake: transporttest.New()}
	_, err := m.Connect(ctx, manager.ConnectRequest{UserID: "u1"}, gate)
	require.NoError(t, err)

	// the next admission stalls while snapshotting u1
	entered, release := gate.arm()
	late := transporttest.New()
	type result struct {
		id  string
		err error
	}
	connected := make(chan result, 1)
	go func() {
		id, err := m.Connect(ctx, manager.ConnectRequest{UserID: "u2"}, late)
		connected <- result{id: id, err: err}
	}()
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- m.Shutdown(ctx) }()

	// the shutdown notice is only sent once closing is set
	require.Eventually(t, func() bool {
		return gate.CountType(domain.MessageTypeSystemShutdown) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	res := <-connected
	assert.ErrorIs(t, res.err, errors.ErrShuttingDown)
	assert.Empty(t, res.id)
	require.NoError(t, <-shutdown)

	stats := m.GetStats()
	assert.Zero(t, stats.ActiveConnections)
	assert.Zero(t, stats.Users)
	assert.Empty(t, m.UserConnections("u2"))

	code, reason, count := late.Closed()
	assert.Equal(t, domain.CloseServiceRestart, code)
	assert.Equal(t, domain.ReasonServerShutdown, reason)
	assert.Equal(t, 1, count)
	assert.Zero(t, late.CountType(domain.MessageTypeConnectionEstablished))

	metrics := m.GetComprehensiveMetrics()
	require.NotNil(t, metrics.Heartbeat)
	assert.Zero(t, metrics.Heartbeat.Monitored)
}

func TestManager_ComprehensiveMetrics(t *testing.T) {
	clock := newTestClock()
	limiter := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(clock.Now))
	m := newManager(t, clock, testConfig(), manager.WithRateLimiter(limiter))

	connect(t, m, clock, manager.ConnectRequest{UserID: "u1"})

	metrics := m.GetComprehensiveMetrics()
	assert.Equal(t, 1, metrics.Stats.ActiveConnections)
	require.NotNil(t, metrics.Heartbeat)
	assert.Equal(t, 1, metrics.Heartbeat.Monitored)
	require.NotNil(t, metrics.RateLimiter)
	assert.Nil(t, metrics.Throttle)
	assert.Nil(t, metrics.Scaling)
	assert.Positive(t, metrics.Process.Goroutines)
	assert.Len(t, metrics.Breakers, 1)
}
