// Package scaling gives a connection manager cross-instance reach through a
// shared directory and a pub/sub relay.
package scaling

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
)

// Status is the lifecycle state of an instance
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusShuttingDown Status = "shutting_down"
	StatusTerminated   Status = "terminated"
)

// Config tunes the coordinator
type Config struct {
	InstanceID           string        `json:"instance_id" yaml:"instance_id"`
	HeartbeatInterval    time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTTL         time.Duration `json:"heartbeat_ttl" yaml:"heartbeat_ttl"`
	RetryBackoff         time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	CleanupInterval      time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	ShutdownNotifyDelay  time.Duration `json:"shutdown_notify_delay" yaml:"shutdown_notify_delay"`
	ReconnectDelay       time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	CompressionThreshold int           `json:"compression_threshold" yaml:"compression_threshold"`
}

// DefaultConfig returns the built-in coordinator configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTTL:         30 * time.Second,
		RetryBackoff:         2 * time.Second,
		CleanupInterval:      60 * time.Second,
		ShutdownNotifyDelay:  500 * time.Millisecond,
		ReconnectDelay:       5 * time.Second,
		CompressionThreshold: 1024,
	}
}

// LocalDelivery is this instance's connection manager as seen by the
// coordinator
type LocalDelivery interface {
	DeliverToUser(ctx context.Context, userID string, msg any) bool
	DeliverToAll(ctx context.Context, msg any) int
	ConnectionCount() int
}

// Guard wraps relay publishes, typically with a circuit breaker
type Guard interface {
	Call(ctx context.Context, fn func(ctx context.Context) error) error
}

// ConnectionEntry is a directory record for a user
type ConnectionEntry struct {
	InstanceID   string            `json:"instance_id"`
	ConnectionID string            `json:"connection_id"`
	ConnectedAt  time.Time         `json:"connected_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// InstanceRecord describes one server process
type InstanceRecord struct {
	InstanceID      string    `json:"instance_id"`
	ConnectionCount int       `json:"connection_count"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}

// BroadcastResult reports the reach of BroadcastToAll
type BroadcastResult struct {
	// Instances reached, including this one
	Instances       int `json:"instances"`
	LocalDeliveries int `json:"local_deliveries"`
}

// Stats summarises coordinator activity
type Stats struct {
	InstanceID         string `json:"instance_id"`
	Status             Status `json:"status"`
	Published          int64  `json:"published"`
	Received           int64  `json:"received"`
	Ignored            int64  `json:"ignored"`
	RemoteDeliveries   int64  `json:"remote_deliveries"`
	StaleTargets       int64  `json:"stale_targets"`
	HeartbeatFailures  int64  `json:"heartbeat_failures"`
	InstancesReaped    int64  `json:"instances_reaped"`
	DirectoryReaped    int64  `json:"directory_entries_reaped"`
	DecodeFailures     int64  `json:"decode_failures"`
	RelayFailures      int64  `json:"relay_failures"`
	LastHeartbeatError string `json:"last_heartbeat_error,omitempty"`
}

// Coordinator registers this instance and its connections in the shared
// store, relays messages between instances and reaps dead instances.
type Coordinator struct {
	cfg    Config
	store  Store
	local  LocalDelivery
	guard  Guard
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	sub       Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	tasks     map[string]string
	lastHBErr string

	published         atomic.Int64
	received          atomic.Int64
	ignored           atomic.Int64
	remoteDeliveries  atomic.Int64
	staleTargets      atomic.Int64
	heartbeatFailures atomic.Int64
	instancesReaped   atomic.Int64
	directoryReaped   atomic.Int64
	decodeFailures    atomic.Int64
	relayFailures     atomic.Int64
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithGuard wraps every relay publish with g
func WithGuard(g Guard) Option {
	return func(c *Coordinator) {
		c.guard = g
	}
}

// New creates a coordinator. A missing instance id is generated.
func New(store Store, local LocalDelivery, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = def.HeartbeatTTL
	}
	if cfg.RetryBackoff <= 0 || cfg.RetryBackoff > cfg.HeartbeatInterval {
		cfg.RetryBackoff = cfg.HeartbeatInterval / 4
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		local:  local,
		logger: slog.Default(),
		now:    time.Now,
		status: StatusInitializing,
		tasks:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "scaling", "instance_id", cfg.InstanceID)
	return c
}

// InstanceID returns this instance's id
func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// Status returns the lifecycle state
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ReconnectDelay is the delay advertised to clients on shutdown
func (c *Coordinator) ReconnectDelay() time.Duration {
	return c.cfg.ReconnectDelay
}

// Initialize registers the instance and starts the heartbeat, cleanup and
// listener loops. It returns false when the store is unreachable.
func (c *Coordinator) Initialize(ctx context.Context) bool {
	c.mu.Lock()
	if c.status != StatusInitializing {
		active := c.status == StatusActive
		c.mu.Unlock()
		return active
	}
	c.startedAt = c.now()
	c.mu.Unlock()

	if err := c.store.Ping(ctx); err != nil {
		c.logger.Error("coordination store unreachable", "error", err)
		return false
	}
	if err := c.heartbeat(ctx, StatusActive); err != nil {
		c.logger.Error("failed to register instance", "error", err)
		return false
	}

	sub, err := c.store.Subscribe(ctx, BroadcastChannel)
	if err != nil {
		c.logger.Error("failed to subscribe to broadcast channel", "error", err)
		_ = c.removeInstance(ctx)
		return false
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.sub = sub
	c.cancel = cancel
	c.status = StatusActive
	c.mu.Unlock()

	c.spawn(loopCtx, "heartbeat", c.heartbeatLoop)
	c.spawn(loopCtx, "cleanup", c.cleanupLoop)
	c.spawn(loopCtx, "listener", func(ctx context.Context) { c.listen(ctx, sub) })

	c.logger.Info("scaling coordinator active")
	return true
}

func (c *Coordinator) spawn(ctx context.Context, name string, fn func(context.Context)) {
	c.setTask(name, "running")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("coordinator task panicked", "task", name, "panic", r)
				c.setTask(name, "failed")
				return
			}
			c.setTask(name, "completed")
		}()
		fn(ctx)
	}()
}

func (c *Coordinator) setTask(name, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[name] = state
}

// Tasks reports the state of each background loop
func (c *Coordinator) Tasks() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.tasks))
	for k, v := range c.tasks {
		out[k] = v
	}
	return out
}

// RegisterConnection points the user's directory entry at this instance
func (c *Coordinator) RegisterConnection(ctx context.Context, userID, connID string, metadata map[string]string) error {
	entry := ConnectionEntry{
		InstanceID:   c.cfg.InstanceID,
		ConnectionID: connID,
		ConnectedAt:  c.now().UTC(),
		Metadata:     metadata,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.store.HSet(ctx, ConnectionsKey, userID, string(data)); err != nil {
		return errors.ErrStoreUnavailable.WithCause(err)
	}
	return nil
}

// UnregisterConnection removes the user's entry if it names connID
func (c *Coordinator) UnregisterConnection(ctx context.Context, userID, connID string) error {
	entry, err := c.FindUserConnection(ctx, userID)
	if err != nil {
		if stderrors.Is(err, errors.ErrConnectionNotFound) {
			return nil
		}
		return err
	}
	if entry.InstanceID != c.cfg.InstanceID || entry.ConnectionID != connID {
		return nil
	}
	if err := c.store.HDel(ctx, ConnectionsKey, userID); err != nil {
		return errors.ErrStoreUnavailable.WithCause(err)
	}
	return nil
}

// FindUserConnection reads the user's directory entry. Results are never
// cached.
func (c *Coordinator) FindUserConnection(ctx context.Context, userID string) (*ConnectionEntry, error) {
	raw, err := c.store.HGet(ctx, ConnectionsKey, userID)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, errors.ErrConnectionNotFound.WithDetails(userID)
		}
		return nil, errors.ErrStoreUnavailable.WithCause(err)
	}
	var entry ConnectionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "CORRUPT_DIRECTORY_ENTRY", "invalid directory entry")
	}
	return &entry, nil
}

// BroadcastToUser delivers locally when the directory names this instance,
// otherwise publishes a message targeted at the owning instance. A target
// whose health key has expired fails with ErrStaleInstance.
func (c *Coordinator) BroadcastToUser(ctx context.Context, userID string, msg any) (bool, error) {
	entry, err := c.FindUserConnection(ctx, userID)
	if err != nil {
		return false, err
	}

	if entry.InstanceID == c.cfg.InstanceID {
		return c.local.DeliverToUser(ctx, userID, msg), nil
	}

	alive, err := c.store.Exists(ctx, HealthKey(entry.InstanceID))
	if err != nil {
		return false, errors.ErrStoreUnavailable.WithCause(err)
	}
	if !alive {
		c.staleTargets.Add(1)
		c.logger.Warn("directory entry points at stale instance",
			"user_id", userID,
			"target_instance", entry.InstanceID,
		)
		return false, errors.ErrStaleInstance.WithDetails(entry.InstanceID)
	}

	env := Envelope{
		Kind:   KindUser,
		Origin: c.cfg.InstanceID,
		Target: entry.InstanceID,
		UserID: userID,
	}
	n, err := c.publish(ctx, env, msg)
	if err != nil {
		return false, err
	}
	c.remoteDeliveries.Add(1)
	return n > 0, nil
}

// BroadcastToAll delivers to local connections and publishes once to every
// other instance. The listener drops the echo of this instance's own
// broadcast.
func (c *Coordinator) BroadcastToAll(ctx context.Context, msg any) (BroadcastResult, error) {
	res := BroadcastResult{
		Instances:       1,
		LocalDeliveries: c.local.DeliverToAll(ctx, msg),
	}

	n, err := c.publish(ctx, Envelope{Kind: KindAll, Origin: c.cfg.InstanceID}, msg)
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	subscribed := c.sub != nil
	c.mu.Unlock()
	if subscribed && n > 0 {
		n--
	}
	res.Instances += n
	return res, nil
}

func (c *Coordinator) publish(ctx context.Context, env Envelope, msg any) (int, error) {
	env.SentAt = c.now().UTC()
	data, err := Encode(env, msg, c.cfg.CompressionThreshold)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeValidation, "RELAY_ENCODE", "cannot encode relay message")
	}

	var n int
	send := func(ctx context.Context) error {
		var perr error
		n, perr = c.store.Publish(ctx, BroadcastChannel, data)
		return perr
	}
	if c.guard != nil {
		err = c.guard.Call(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		c.relayFailures.Add(1)
		if errors.TypeOf(err) == errors.ErrorTypeCircuitOpen {
			return 0, err
		}
		return 0, errors.ErrStoreUnavailable.WithCause(err)
	}
	c.published.Add(1)
	return n, nil
}

func (c *Coordinator) listen(ctx context.Context, sub Subscription) {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			c.handleRelay(ctx, data)
		}
	}
}

func (c *Coordinator) handleRelay(ctx context.Context, data []byte) {
	env, payload, err := Decode(data)
	if err != nil {
		c.decodeFailures.Add(1)
		c.logger.Warn("dropping undecodable relay message", "error", err)
		return
	}
	if env.Origin == c.cfg.InstanceID {
		c.ignored.Add(1)
		return
	}

	switch env.Kind {
	case KindUser:
		if env.Target != c.cfg.InstanceID {
			c.ignored.Add(1)
			return
		}
		c.received.Add(1)
		if !c.local.DeliverToUser(ctx, env.UserID, payload) {
			c.logger.Debug("relayed message had no local recipient", "user_id", env.UserID, "origin", env.Origin)
		}
	case KindAll:
		c.received.Add(1)
		c.local.DeliverToAll(ctx, payload)
	default:
		c.ignored.Add(1)
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	timer := time.NewTimer(c.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next := c.cfg.HeartbeatInterval
			if err := c.heartbeat(ctx, StatusActive); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.heartbeatFailures.Add(1)
				c.mu.Lock()
				c.lastHBErr = err.Error()
				c.mu.Unlock()
				c.logger.Warn("instance heartbeat failed", "error", err, "retry_in", c.cfg.RetryBackoff.String())
				next = c.cfg.RetryBackoff
			}
			timer.Reset(next)
		}
	}
}

// heartbeat refreshes the health key and the instance record
func (c *Coordinator) heartbeat(ctx context.Context, status Status) error {
	now := c.now().UTC()
	if err := c.store.Set(ctx, HealthKey(c.cfg.InstanceID), now.Format(time.RFC3339Nano), c.cfg.HeartbeatTTL); err != nil {
		return err
	}

	c.mu.Lock()
	started := c.startedAt
	c.mu.Unlock()

	count := 0
	if c.local != nil {
		count = c.local.ConnectionCount()
	}
	rec := InstanceRecord{
		InstanceID:      c.cfg.InstanceID,
		ConnectionCount: count,
		Status:          status,
		StartedAt:       started.UTC(),
		LastHeartbeat:   now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.store.HSet(ctx, InstancesKey, c.cfg.InstanceID, string(data))
}

func (c *Coordinator) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.ReapStaleInstances(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("stale instance cleanup failed", "error", err)
			}
		}
	}
}

// ReapStaleInstances removes instances whose health key expired together with
// the directory entries pointing at them.
func (c *Coordinator) ReapStaleInstances(ctx context.Context) (int, error) {
	instances, err := c.store.HGetAll(ctx, InstancesKey)
	if err != nil {
		return 0, errors.ErrStoreUnavailable.WithCause(err)
	}

	alive := map[string]bool{c.cfg.InstanceID: true}
	stale := map[string]bool{}
	for id := range instances {
		if alive[id] {
			continue
		}
		ok, err := c.store.Exists(ctx, HealthKey(id))
		if err != nil {
			return 0, errors.ErrStoreUnavailable.WithCause(err)
		}
		if ok {
			alive[id] = true
			continue
		}
		stale[id] = true
	}

	for id := range stale {
		if err := c.store.HDel(ctx, InstancesKey, id); err != nil {
			return 0, errors.ErrStoreUnavailable.WithCause(err)
		}
		c.logger.Info("reaped stale instance", "stale_instance", id)
	}
	reaped := len(stale)
	c.instancesReaped.Add(int64(reaped))

	entries, err := c.store.HGetAll(ctx, ConnectionsKey)
	if err != nil {
		return reaped, errors.ErrStoreUnavailable.WithCause(err)
	}
	var orphaned []string
	for userID, raw := range entries {
		var entry ConnectionEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			orphaned = append(orphaned, userID)
			continue
		}
		if alive[entry.InstanceID] {
			continue
		}
		if stale[entry.InstanceID] {
			orphaned = append(orphaned, userID)
			continue
		}
		// entry names an instance missing from the instance directory
		ok, err := c.store.Exists(ctx, HealthKey(entry.InstanceID))
		if err != nil {
			return reaped, errors.ErrStoreUnavailable.WithCause(err)
		}
		if ok {
			alive[entry.InstanceID] = true
			continue
		}
		stale[entry.InstanceID] = true
		orphaned = append(orphaned, userID)
	}
	if len(orphaned) > 0 {
		if err := c.store.HDel(ctx, ConnectionsKey, orphaned...); err != nil {
			return reaped, errors.ErrStoreUnavailable.WithCause(err)
		}
		c.directoryReaped.Add(int64(len(orphaned)))
	}
	return reaped, nil
}

// Instances lists the instance directory
func (c *Coordinator) Instances(ctx context.Context) ([]InstanceRecord, error) {
	raw, err := c.store.HGetAll(ctx, InstancesKey)
	if err != nil {
		return nil, errors.ErrStoreUnavailable.WithCause(err)
	}
	out := make([]InstanceRecord, 0, len(raw))
	for _, v := range raw {
		var rec InstanceRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Shutdown notifies local connections, stops the loops and removes this
// instance from the shared store. Safe to call more than once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusShuttingDown || c.status == StatusTerminated {
		c.mu.Unlock()
		return nil
	}
	wasActive := c.status == StatusActive
	c.status = StatusShuttingDown
	c.mu.Unlock()

	if wasActive && c.local != nil {
		notice := domain.NewMessage(domain.MessageTypeSystemShutdown, domain.ShutdownNotice{
			Message:        "Server is shutting down, please reconnect",
			ReconnectDelay: c.cfg.ReconnectDelay.Seconds(),
		})
		n := c.local.DeliverToAll(ctx, notice)
		c.logger.Info("shutdown notice sent", "connections", n)

		if c.cfg.ShutdownNotifyDelay > 0 {
			t := time.NewTimer(c.cfg.ShutdownNotifyDelay)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
		// best effort: peers see the status change until the record is removed
		_ = c.heartbeat(ctx, StatusShuttingDown)
	}

	c.mu.Lock()
	cancel := c.cancel
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.logger.Warn("closing subscription failed", "error", err)
		}
	}
	c.wg.Wait()

	var err error
	if wasActive {
		err = c.removeInstance(ctx)
	}

	c.mu.Lock()
	c.status = StatusTerminated
	c.mu.Unlock()
	c.logger.Info("scaling coordinator terminated")
	return err
}

func (c *Coordinator) removeInstance(ctx context.Context) error {
	entries, err := c.store.HGetAll(ctx, ConnectionsKey)
	if err != nil {
		return fmt.Errorf("list directory: %w", err)
	}
	var mine []string
	for userID, raw := range entries {
		var entry ConnectionEntry
		if json.Unmarshal([]byte(raw), &entry) == nil && entry.InstanceID == c.cfg.InstanceID {
			mine = append(mine, userID)
		}
	}
	if len(mine) > 0 {
		if err := c.store.HDel(ctx, ConnectionsKey, mine...); err != nil {
			return fmt.Errorf("remove directory entries: %w", err)
		}
	}
	if err := c.store.HDel(ctx, InstancesKey, c.cfg.InstanceID); err != nil {
		return fmt.Errorf("remove instance record: %w", err)
	}
	if err := c.store.Delete(ctx, HealthKey(c.cfg.InstanceID)); err != nil {
		return fmt.Errorf("remove health key: %w", err)
	}
	return nil
}

// Stats returns coordinator counters
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	status := c.status
	lastErr := c.lastHBErr
	c.mu.Unlock()

	return Stats{
		InstanceID:         c.cfg.InstanceID,
		Status:             status,
		Published:          c.published.Load(),
		Received:           c.received.Load(),
		Ignored:            c.ignored.Load(),
		RemoteDeliveries:   c.remoteDeliveries.Load(),
		StaleTargets:       c.staleTargets.Load(),
		HeartbeatFailures:  c.heartbeatFailures.Load(),
		InstancesReaped:    c.instancesReaped.Load(),
		DirectoryReaped:    c.directoryReaped.Load(),
		DecodeFailures:     c.decodeFailures.Load(),
		RelayFailures:      c.relayFailures.Load(),
		LastHeartbeatError: lastErr,
	}
}
