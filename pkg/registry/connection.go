package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/tether/pkg/domain"
	"github.com/rs/xid"
)

// Connection is one live transport attachment. Identity fields are immutable;
// activity counters are updated lock-free by send/receive paths. ThreadID and
// RunID change only through the Registry so the indexes stay consistent.
type Connection struct {
	ID          string
	UserID      string
	ClientIP    string
	Tier        string
	Metadata    map[string]string
	Transport   domain.Transport
	ConnectedAt time.Time

	mu       sync.RWMutex
	threadID string
	runID    string

	lastActivity atomic.Int64
	messageCount atomic.Int64
	healthy      atomic.Bool
}

// Options describes a connection to be created
type Options struct {
	UserID    string
	ThreadID  string
	RunID     string
	ClientIP  string
	Tier      string
	Metadata  map[string]string
	Transport domain.Transport
	Now       time.Time
}

// NewConnection creates a connection with a generated id
func NewConnection(opts Options) *Connection {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	c := &Connection{
		ID:          NewConnectionID(opts.UserID),
		UserID:      opts.UserID,
		ClientIP:    opts.ClientIP,
		Tier:        opts.Tier,
		Metadata:    opts.Metadata,
		Transport:   opts.Transport,
		ConnectedAt: now,
		threadID:    opts.ThreadID,
		runID:       opts.RunID,
	}
	c.lastActivity.Store(now.UnixNano())
	c.healthy.Store(true)
	return c
}

// NewConnectionID returns conn_<user>_<random8>
func NewConnectionID(userID string) string {
	id := xid.New().String()
	return fmt.Sprintf("conn_%s_%s", userID, id[len(id)-8:])
}

// ThreadID returns the thread correlation id
func (c *Connection) ThreadID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threadID
}

// RunID returns the run correlation id
func (c *Connection) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// Touch records traffic at t
func (c *Connection) Touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

// LastActivity returns the time of the last inbound or outbound traffic
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IncMessages increments the delivered message counter
func (c *Connection) IncMessages() int64 {
	return c.messageCount.Add(1)
}

// MessageCount returns the number of messages delivered
func (c *Connection) MessageCount() int64 {
	return c.messageCount.Load()
}

// SetHealthy updates the health flag
func (c *Connection) SetHealthy(healthy bool) {
	c.healthy.Store(healthy)
}

// IsHealthy reports the health flag
func (c *Connection) IsHealthy() bool {
	return c.healthy.Load()
}

// Info is an immutable snapshot of a connection used by eviction decisions
type Info struct {
	ID           string
	UserID       string
	ThreadID     string
	RunID        string
	ConnectedAt  time.Time
	LastActivity time.Time
	MessageCount int64
	Healthy      bool
	Connected    bool
}

// Info captures the current state of the connection
func (c *Connection) Info() Info {
	connected := c.Transport != nil && c.Transport.IsConnected()
	return Info{
		ID:           c.ID,
		UserID:       c.UserID,
		ThreadID:     c.ThreadID(),
		RunID:        c.RunID(),
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.LastActivity(),
		MessageCount: c.MessageCount(),
		Healthy:      c.IsHealthy(),
		Connected:    connected,
	}
}
