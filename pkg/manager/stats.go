package manager

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/HMasataka/tether/pkg/heartbeat"
	"github.com/HMasataka/tether/pkg/ratelimit"
	"github.com/HMasataka/tether/pkg/resilience"
	"github.com/HMasataka/tether/pkg/scaling"
)

// Memory health levels
const (
	MemoryHealthOK   = "OK"
	MemoryHealthHigh = "HIGH"
)

// Stats is a point-in-time view of the manager
type Stats struct {
	ActiveConnections     int     `json:"active_connections"`
	TotalConnections      int64   `json:"total_connections"`
	MessagesSent          int64   `json:"messages_sent"`
	ErrorsHandled         int64   `json:"errors_handled"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
	ConnectionUtilization float64 `json:"connection_utilization"`
	MemoryHealth          string  `json:"memory_health"`
	Users                 int     `json:"users"`
	Runs                  int     `json:"runs"`
	Evictions             int64   `json:"evictions"`
	StaleCleanups         int64   `json:"stale_cleanups"`
	HeartbeatDeaths       int64   `json:"heartbeat_deaths"`
	RateLimited           int64   `json:"rate_limited"`
	FallbacksServed       int64   `json:"fallbacks_served"`
	MessagesQueued        int64   `json:"messages_queued"`
	MaxConnectionsPerUser int     `json:"max_connections_per_user"`
	MaxTotalConnections   int     `json:"max_total_connections"`
}

// GetStats returns the manager counters. Memory health is HIGH once the
// connection count reaches the high utilization mark of the global bound.
func (m *Manager) GetStats() Stats {
	active := m.registry.Len()
	utilization := float64(active) / float64(m.cfg.MaxTotalConnections)

	health := MemoryHealthOK
	if utilization >= m.cfg.HighUtilization {
		health = MemoryHealthHigh
	}

	return Stats{
		ActiveConnections:     active,
		TotalConnections:      m.totalConnections.Load(),
		MessagesSent:          m.messagesSent.Load(),
		ErrorsHandled:         m.errorsHandled.Load(),
		UptimeSeconds:         m.now().Sub(m.startTime).Seconds(),
		ConnectionUtilization: utilization,
		MemoryHealth:          health,
		Users:                 m.registry.Users(),
		Runs:                  m.registry.Runs(),
		Evictions:             m.evictions.Load(),
		StaleCleanups:         m.staleCleanups.Load(),
		HeartbeatDeaths:       m.heartbeatDeaths.Load(),
		RateLimited:           m.rateLimited.Load(),
		FallbacksServed:       m.fallbacksServed.Load(),
		MessagesQueued:        m.messagesQueued.Load(),
		MaxConnectionsPerUser: m.cfg.MaxConnectionsPerUser,
		MaxTotalConnections:   m.cfg.MaxTotalConnections,
	}
}

// ProcessMetrics describes the hosting process
type ProcessMetrics struct {
	Goroutines     int     `json:"goroutines"`
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
	RSSBytes       uint64  `json:"rss_bytes,omitempty"`
	MemoryPercent  float32 `json:"memory_percent,omitempty"`
}

// ComprehensiveMetrics combines the stats of every collaborator
type ComprehensiveMetrics struct {
	Stats        Stats                    `json:"stats"`
	Tasks        map[string]string        `json:"background_tasks"`
	Heartbeat    *heartbeat.Stats         `json:"heartbeat,omitempty"`
	RateLimiter  *ratelimit.Stats         `json:"rate_limiter,omitempty"`
	Throttle     *ratelimit.QueueStats    `json:"throttle_queue,omitempty"`
	Breakers     []resilience.Metrics     `json:"circuit_breakers"`
	OpenBreakers int                      `json:"open_breakers"`
	Fallback     resilience.FallbackStats `json:"fallback"`
	Scaling      *scaling.Stats           `json:"scaling,omitempty"`
	Process      ProcessMetrics           `json:"process"`
}

// GetComprehensiveMetrics gathers stats from every collaborator that
// exposes them, plus process memory.
func (m *Manager) GetComprehensiveMetrics() ComprehensiveMetrics {
	out := ComprehensiveMetrics{
		Stats:        m.GetStats(),
		Tasks:        m.BackgroundTasks(),
		Breakers:     m.breakers.Metrics(),
		OpenBreakers: m.breakers.OpenCount(),
		Fallback:     m.fallback.Stats(),
		Process:      m.processMetrics(),
	}

	if s, ok := m.monitor.(interface{ Stats() heartbeat.Stats }); ok {
		st := s.Stats()
		out.Heartbeat = &st
	}
	if s, ok := m.limiter.(interface{ Stats() ratelimit.Stats }); ok {
		st := s.Stats()
		out.RateLimiter = &st
	}
	if s, ok := m.queue.(interface{ Stats() ratelimit.QueueStats }); ok {
		st := s.Stats()
		out.Throttle = &st
	}
	if s, ok := m.coordinator.(interface{ Stats() scaling.Stats }); ok {
		st := s.Stats()
		out.Scaling = &st
	}
	return out
}

func (m *Manager) processMetrics() ProcessMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	pm := ProcessMetrics{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Debug("process metrics unavailable", "error", err)
		return pm
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		pm.RSSBytes = mem.RSS
	}
	if pct, err := p.MemoryPercent(); err == nil {
		pm.MemoryPercent = pct
	}
	return pm
}
