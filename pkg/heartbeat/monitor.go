// Package heartbeat verifies connection liveness independently of message
// traffic.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is the liveness state of a monitored connection
type State int

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "ALIVE"
	case StateSuspect:
		return "SUSPECT"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// ProbeFunc sends one liveness probe. The context carries the probe timeout.
type ProbeFunc func(ctx context.Context, id string) error

// DeadFunc is invoked once per connection that transitions to DEAD
type DeadFunc func(id string)

type entry struct {
	state    State
	missed   int
	lastSeen time.Time
	awaiting bool
}

// Stats is a point-in-time view of the monitor
type Stats struct {
	Monitored     int   `json:"monitored"`
	Alive         int   `json:"alive"`
	Suspect       int   `json:"suspect"`
	Dead          int   `json:"dead"`
	ProbesSent    int64 `json:"probes_sent"`
	ProbesFailed  int64 `json:"probes_failed"`
	Deaths        int64 `json:"deaths"`
	Resurrections int64 `json:"resurrections"`
	Cycles        int64 `json:"cycles"`
}

// Monitor tracks liveness for a set of connection ids
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	probesSent    atomic.Int64
	probesFailed  atomic.Int64
	deaths        atomic.Int64
	resurrections atomic.Int64
	cycles        atomic.Int64
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a monitor
func New(cfg Config, opts ...Option) *Monitor {
	if cfg.MaxConcurrentProbes <= 0 {
		cfg.MaxConcurrentProbes = 1
	}
	m := &Monitor{
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "heartbeat")
	return m
}

// Config returns the active configuration
func (m *Monitor) Config() Config {
	return m.cfg
}

// Register starts monitoring id. Registering twice is tolerated.
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		m.logger.Debug("connection already monitored", "connection_id", id)
		return
	}
	m.entries[id] = &entry{state: StateAlive, lastSeen: m.now()}
}

// Unregister stops monitoring id
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// RecordActivity marks id as alive. A DEAD connection that has not yet been
// unregistered is resurrected.
func (m *Monitor) RecordActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return
	}
	if e.state == StateDead {
		m.resurrections.Add(1)
		m.logger.Info("connection resurrected", "connection_id", id)
	}
	e.state = StateAlive
	e.missed = 0
	e.awaiting = false
	e.lastSeen = m.now()
}

// State returns the state of id
func (m *Monitor) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Len returns the number of monitored connections
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear drops every monitored connection
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
}

// Run probes every Interval until ctx is cancelled. Probe failures are logged
// and counted; they never stop the loop.
func (m *Monitor) Run(ctx context.Context, probe ProbeFunc, onDead DeadFunc) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx, probe, onDead)
		}
	}
}

// CheckOnce runs a single probe cycle and returns the ids declared dead
func (m *Monitor) CheckOnce(ctx context.Context, probe ProbeFunc, onDead DeadFunc) []string {
	m.cycles.Add(1)
	toProbe, dead := m.advance()

	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrentProbes)
	for _, id := range toProbe {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m.probe(ctx, probe, id)
			return nil
		})
	}
	_ = g.Wait()

	var confirmed []string
	for _, id := range dead {
		// activity may have arrived since the transition
		if state, ok := m.State(id); !ok || state != StateDead {
			continue
		}
		confirmed = append(confirmed, id)
		if onDead != nil {
			m.notifyDead(onDead, id)
		}
	}
	return confirmed
}

// advance applies missed-beat accounting and returns the ids to probe and
// the ids that just died.
func (m *Monitor) advance() (toProbe, dead []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, e := range m.entries {
		if e.state == StateDead {
			continue
		}
		if e.awaiting {
			e.missed++
			e.awaiting = false
		}
		if e.missed > m.cfg.MaxMissed || now.Sub(e.lastSeen) > m.cfg.Timeout {
			e.state = StateDead
			m.deaths.Add(1)
			dead = append(dead, id)
			m.logger.Warn("connection declared dead",
				"connection_id", id,
				"missed", e.missed,
				"idle", now.Sub(e.lastSeen).String(),
			)
			continue
		}
		if e.missed > 0 {
			e.state = StateSuspect
		}
		e.awaiting = true
		toProbe = append(toProbe, id)
	}
	sort.Strings(toProbe)
	sort.Strings(dead)
	return toProbe, dead
}

func (m *Monitor) probe(ctx context.Context, probe ProbeFunc, id string) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	m.probesSent.Add(1)
	err := safeProbe(pctx, probe, id)
	if err == nil {
		return
	}

	m.probesFailed.Add(1)
	m.logger.Warn("heartbeat probe failed", "connection_id", id, "error", err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok && e.awaiting {
		e.awaiting = false
		e.missed++
		if e.state == StateAlive {
			e.state = StateSuspect
		}
	}
}

func safeProbe(ctx context.Context, probe ProbeFunc, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return probe(ctx, id)
}

func (m *Monitor) notifyDead(onDead DeadFunc, id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dead connection handler panicked", "connection_id", id, "panic", r)
		}
	}()
	onDead(id)
}

// Stats returns current counters
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	s := Stats{Monitored: len(m.entries)}
	for _, e := range m.entries {
		switch e.state {
		case StateAlive:
			s.Alive++
		case StateSuspect:
			s.Suspect++
		case StateDead:
			s.Dead++
		}
	}
	m.mu.Unlock()

	s.ProbesSent = m.probesSent.Load()
	s.ProbesFailed = m.probesFailed.Load()
	s.Deaths = m.deaths.Load()
	s.Resurrections = m.resurrections.Load()
	s.Cycles = m.cycles.Load()
	return s
}
