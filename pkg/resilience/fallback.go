package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Operations with built-in fallback responses
const (
	OpSendMessage  = "send_message"
	OpGetStatus    = "get_status"
	OpBroadcast    = "broadcast"
	OpRelayMessage = "relay_message"
	OpAgentUpdate  = "agent_update"
)

// Response is a degraded but well-formed reply served instead of an error
type Response struct {
	Operation   string    `json:"operation"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Fallback    bool      `json:"fallback"`
	Data        any       `json:"data,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Provider builds a fallback response for one operation
type Provider func(userID string, cause error) Response

type cacheKey struct {
	operation string
	userID    string
}

type cached struct {
	response Response
	expires  time.Time
}

// FallbackStats summarises fallback activity
type FallbackStats struct {
	Served      int64 `json:"served"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	CacheSize   int   `json:"cache_size"`
}

// FallbackHandler serves canned responses while a delivery path is tripped
// Responses are cached per (operation, user) for CacheTTL
type FallbackHandler struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	cache     map[cacheKey]cached
	stats     FallbackStats
}

// FallbackOption configures a FallbackHandler
type FallbackOption func(*FallbackHandler)

// WithFallbackClock overrides the time source
func WithFallbackClock(now func() time.Time) FallbackOption {
	return func(h *FallbackHandler) {
		h.now = now
	}
}

// WithFallbackLogger sets the logger
func WithFallbackLogger(logger *slog.Logger) FallbackOption {
	return func(h *FallbackHandler) {
		h.logger = logger
	}
}

// NewFallbackHandler creates a handler with the built-in providers
func NewFallbackHandler(cacheTTL time.Duration, opts ...FallbackOption) *FallbackHandler {
	h := &FallbackHandler{
		ttl:       cacheTTL,
		now:       time.Now,
		logger:    slog.Default(),
		providers: make(map[string]Provider),
		cache:     make(map[cacheKey]cached),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "fallback")

	h.providers[OpSendMessage] = canned(OpSendMessage, "queued", "Message queued for later delivery")
	h.providers[OpGetStatus] = canned(OpGetStatus, "unknown", "Status unknown")
	h.providers[OpBroadcast] = canned(OpBroadcast, "deferred", "Broadcast deferred until delivery recovers")
	h.providers[OpRelayMessage] = canned(OpRelayMessage, "queued", "Message will be delivered when the recipient is reachable")
	h.providers[OpAgentUpdate] = canned(OpAgentUpdate, "delayed", "Agent updates are delayed")
	return h
}

func canned(operation, status, message string) Provider {
	return func(string, error) Response {
		return Response{Operation: operation, Status: status, Message: message, Fallback: true}
	}
}

// Register installs a provider for operation, replacing any existing one
func (h *FallbackHandler) Register(operation string, p Provider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.providers[operation] = p
	for key := range h.cache {
		if key.operation == operation {
			delete(h.cache, key)
		}
	}
}

// Handle returns the fallback response for operation and user
func (h *FallbackHandler) Handle(operation, userID string, cause error) Response {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	key := cacheKey{operation: operation, userID: userID}
	h.stats.Served++

	if c, ok := h.cache[key]; ok && now.Before(c.expires) {
		h.stats.CacheHits++
		return c.response
	}
	h.stats.CacheMisses++

	p, ok := h.providers[operation]
	if !ok {
		p = canned(operation, "unavailable", "Service temporarily unavailable")
	}
	resp := p(userID, cause)
	resp.Fallback = true
	if resp.Operation == "" {
		resp.Operation = operation
	}
	resp.GeneratedAt = now

	if h.ttl > 0 {
		h.cache[key] = cached{response: resp, expires: now.Add(h.ttl)}
	}
	h.logger.Debug("serving fallback response", "operation", operation, "user_id", userID, "error", cause)
	return resp
}

// Prune drops expired cache entries
func (h *FallbackHandler) Prune() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	n := 0
	for key, c := range h.cache {
		if !now.Before(c.expires) {
			delete(h.cache, key)
			n++
		}
	}
	return n
}

// Clear drops the cache
func (h *FallbackHandler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache = make(map[cacheKey]cached)
}

// Stats returns fallback counters
func (h *FallbackHandler) Stats() FallbackStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.CacheSize = len(h.cache)
	return s
}
