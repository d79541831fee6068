// Package ratelimit gates per-client message and connection rates and buffers
// excess traffic in a priority queue.
package ratelimit

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Tier selects a quota. Quotas increase strictly from free to enterprise.
type Tier string

const (
	TierFree       Tier = "free"
	TierEarly      Tier = "early"
	TierMid        Tier = "mid"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a name to a Tier, defaulting to free
func ParseTier(name string) Tier {
	switch Tier(strings.ToLower(name)) {
	case TierEarly:
		return TierEarly
	case TierMid:
		return TierMid
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// Quota holds the per-window limits of a tier
type Quota struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	Burst     int `json:"burst" yaml:"burst"`
}

// DefaultTiers returns the built-in quotas
func DefaultTiers() map[Tier]Quota {
	return map[Tier]Quota{
		TierFree:       {PerMinute: 10, PerHour: 100, Burst: 5},
		TierEarly:      {PerMinute: 30, PerHour: 500, Burst: 10},
		TierMid:        {PerMinute: 60, PerHour: 2000, Burst: 20},
		TierEnterprise: {PerMinute: 300, PerHour: 10000, Burst: 50},
	}
}

// Denial reasons
const (
	ReasonHourLimit       = "hourly_limit_exceeded"
	ReasonMinuteLimit     = "minute_limit_exceeded"
	ReasonBurstLimit      = "burst_limit_exceeded"
	ReasonConnectionLimit = "connection_attempts_exceeded"
)

// Config tunes the limiter
type Config struct {
	Tiers       map[Tier]Quota `json:"tiers" yaml:"tiers"`
	BurstWindow time.Duration  `json:"burst_window" yaml:"burst_window"`
	// ConnectionAttempts per ConnectionWindow per client key
	ConnectionAttempts int           `json:"connection_attempts" yaml:"connection_attempts"`
	ConnectionWindow   time.Duration `json:"connection_window" yaml:"connection_window"`
	// IdleTTL after which Prune forgets a client
	IdleTTL time.Duration `json:"idle_ttl" yaml:"idle_ttl"`
}

// DefaultConfig returns the built-in limiter configuration
func DefaultConfig() Config {
	return Config{
		Tiers:              DefaultTiers(),
		BurstWindow:        10 * time.Second,
		ConnectionAttempts: 10,
		ConnectionWindow:   time.Minute,
		IdleTTL:            2 * time.Hour,
	}
}

// Result describes an admission decision
type Result struct {
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Usage      map[string]int `json:"current_usage,omitempty"`
	Limits     map[string]int `json:"limits,omitempty"`
}

type window struct {
	start time.Time
	count int
}

func (w *window) roll(now time.Time, size time.Duration) {
	if w.start.IsZero() || now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
	}
}

func (w *window) remaining(now time.Time, size time.Duration) time.Duration {
	left := w.start.Add(size).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

type clientState struct {
	minute   window
	hour     window
	burst    window
	lastSeen time.Time
}

// Stats summarises limiter activity
type Stats struct {
	Clients        int   `json:"clients"`
	Allowed        int64 `json:"allowed"`
	Denied         int64 `json:"denied"`
	AttemptsDenied int64 `json:"connection_attempts_denied"`
}

// Limiter enforces tiered per-client message quotas
type Limiter struct {
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	attempts *SlidingWindowLimiter

	mu             sync.Mutex
	clients        map[string]*clientState
	allowed        int64
	denied         int64
	attemptsDenied int64
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a limiter
func New(cfg Config, opts ...Option) *Limiter {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 10 * time.Second
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		clients: make(map[string]*clientState),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	l.attempts = NewSlidingWindowLimiter(cfg.ConnectionWindow, cfg.ConnectionAttempts, l.now)
	return l
}

// Quota returns the quota applied to tier
func (l *Limiter) Quota(tier Tier) Quota {
	if q, ok := l.cfg.Tiers[tier]; ok {
		return q
	}
	return l.cfg.Tiers[TierFree]
}

// Check evaluates hour, minute and burst limits in that order. The first
// violated limit is reported. Counters only advance when allowed.
func (l *Limiter) Check(clientID string, tier Tier) Result {
	quota := l.Quota(tier)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.clients[clientID]
	if !ok {
		st = &clientState{}
		l.clients[clientID] = st
	}
	st.lastSeen = now
	st.hour.roll(now, time.Hour)
	st.minute.roll(now, time.Minute)
	st.burst.roll(now, l.cfg.BurstWindow)

	limits := map[string]int{
		"per_hour":   quota.PerHour,
		"per_minute": quota.PerMinute,
		"burst":      quota.Burst,
	}

	deny := func(reason string, retry time.Duration) Result {
		l.denied++
		l.logger.Debug("rate limit exceeded", "client_id", clientID, "tier", string(tier), "reason", reason)
		return Result{
			Reason:     reason,
			RetryAfter: retry,
			Usage:      usage(st),
			Limits:     limits,
		}
	}

	switch {
	case quota.PerHour > 0 && st.hour.count >= quota.PerHour:
		return deny(ReasonHourLimit, st.hour.remaining(now, time.Hour))
	case quota.PerMinute > 0 && st.minute.count >= quota.PerMinute:
		return deny(ReasonMinuteLimit, st.minute.remaining(now, time.Minute))
	case quota.Burst > 0 && st.burst.count >= quota.Burst:
		return deny(ReasonBurstLimit, st.burst.remaining(now, l.cfg.BurstWindow))
	}

	st.hour.count++
	st.minute.count++
	st.burst.count++
	l.allowed++
	return Result{Allowed: true, Usage: usage(st), Limits: limits}
}

func usage(st *clientState) map[string]int {
	return map[string]int{
		"per_hour":   st.hour.count,
		"per_minute": st.minute.count,
		"burst":      st.burst.count,
	}
}

// CheckConnectionAttempt applies the sliding connection-attempt window to key
func (l *Limiter) CheckConnectionAttempt(key string) Result {
	ok, retry, count := l.attempts.Allow(key)
	limits := map[string]int{"connection_attempts": l.cfg.ConnectionAttempts}
	if ok {
		return Result{Allowed: true, Usage: map[string]int{"connection_attempts": count}, Limits: limits}
	}

	l.mu.Lock()
	l.attemptsDenied++
	l.mu.Unlock()

	l.logger.Info("connection attempt rate limited", "client_key", key, "retry_after", retry.String())
	return Result{
		Reason:     ReasonConnectionLimit,
		RetryAfter: retry,
		Usage:      map[string]int{"connection_attempts": count},
		Limits:     limits,
	}
}

// Prune forgets clients idle for longer than IdleTTL and expired connection
// attempt keys. It returns the number of message clients dropped.
func (l *Limiter) Prune(now time.Time) int {
	l.attempts.Prune()

	if l.cfg.IdleTTL <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for id, st := range l.clients {
		if now.Sub(st.lastSeen) > l.cfg.IdleTTL {
			delete(l.clients, id)
			pruned++
		}
	}
	return pruned
}

// Reset drops all client state
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients = make(map[string]*clientState)
}

// Stats returns limiter counters
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Clients:        len(l.clients),
		Allowed:        l.allowed,
		Denied:         l.denied,
		AttemptsDenied: l.attemptsDenied,
	}
}
