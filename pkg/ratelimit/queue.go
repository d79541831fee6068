package ratelimit

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/HMasataka/tether/pkg/errors"
)

// Priority orders queued messages; higher values are delivered first
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// QueueConfig tunes the throttle queue
type QueueConfig struct {
	// MaxSize per client
	MaxSize int `json:"max_size" yaml:"max_size"`
	// ProcessingRate is the number of items drained per Process call
	ProcessingRate int `json:"processing_rate" yaml:"processing_rate"`
	// BackpressureThreshold in percent of MaxSize
	BackpressureThreshold float64 `json:"backpressure_threshold" yaml:"backpressure_threshold"`
	// BypassPriority and above are accepted even when the queue is full
	BypassPriority Priority `json:"bypass_priority" yaml:"bypass_priority"`
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultQueueConfig returns the built-in queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:               100,
		ProcessingRate:        10,
		BackpressureThreshold: 80,
		BypassPriority:        PriorityHigh,
		MaxAttempts:           3,
	}
}

// Item is a buffered message
type Item struct {
	ClientID   string
	Message    any
	Priority   Priority
	Attempts   int
	EnqueuedAt time.Time
}

// EnqueueResult reports the outcome of Enqueue
type EnqueueResult struct {
	Accepted     bool `json:"accepted"`
	Bypassed     bool `json:"bypassed"`
	Position     int  `json:"position"`
	QueueSize    int  `json:"queue_size"`
	Backpressure bool `json:"backpressure"`
}

// ProcessResult reports the outcome of Process
type ProcessResult struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Deferred  int `json:"deferred"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// DeliverFunc attempts delivery of one item
type DeliverFunc func(ctx context.Context, item Item) error

// QueueStats summarises queue activity
type QueueStats struct {
	Clients            int   `json:"clients"`
	Depth              int   `json:"depth"`
	Enqueued           int64 `json:"enqueued"`
	Delivered          int64 `json:"delivered"`
	Rejected           int64 `json:"rejected"`
	Bypassed           int64 `json:"bypassed"`
	Retries            int64 `json:"retries"`
	Deferred           int64 `json:"deferred"`
	Dropped            int64 `json:"dropped"`
	BackpressureEvents int64 `json:"backpressure_events"`
}

// Queue buffers excess traffic per client in priority order
type Queue struct {
	cfg    QueueConfig
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	items      map[string][]*Item
	processing map[string]bool
	stats      QueueStats
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithQueueClock overrides the time source
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates a throttle queue
func NewQueue(cfg QueueConfig, opts ...QueueOption) *Queue {
	def := DefaultQueueConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.ProcessingRate <= 0 {
		cfg.ProcessingRate = def.ProcessingRate
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = def.BackpressureThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	q := &Queue{
		cfg:        cfg,
		now:        time.Now,
		logger:     slog.Default(),
		items:      make(map[string][]*Item),
		processing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "throttle_queue")
	return q
}

// Enqueue inserts msg behind every item of equal or higher priority. A full
// queue rejects with ErrQueueFull unless priority reaches BypassPriority.
func (q *Queue) Enqueue(clientID string, msg any, priority Priority) (EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items[clientID]
	bypassed := false
	if len(items) >= q.cfg.MaxSize {
		if priority < q.cfg.BypassPriority {
			q.stats.Rejected++
			return EnqueueResult{QueueSize: len(items), Backpressure: true},
				errors.ErrQueueFull.WithDetails(clientID)
		}
		bypassed = true
		q.stats.Bypassed++
	}

	item := &Item{ClientID: clientID, Message: msg, Priority: priority, EnqueuedAt: q.now()}
	pos := sort.Search(len(items), func(i int) bool { return items[i].Priority < priority })
	items = append(items, nil)
	copy(items[pos+1:], items[pos:])
	items[pos] = item
	q.items[clientID] = items
	q.stats.Enqueued++

	backpressure := float64(len(items))*100/float64(q.cfg.MaxSize) >= q.cfg.BackpressureThreshold
	if backpressure {
		q.stats.BackpressureEvents++
	}
	return EnqueueResult{
		Accepted:     true,
		Bypassed:     bypassed,
		Position:     pos,
		QueueSize:    len(items),
		Backpressure: backpressure,
	}, nil
}

// Process drains up to ProcessingRate items for clientID. A failed delivery
// goes back to the front and ends the pass; after MaxAttempts it is dropped.
// A delivery refused with errors.ErrCircuitOpen is put back without using
// up an attempt.
func (q *Queue) Process(ctx context.Context, clientID string, deliver DeliverFunc) ProcessResult {
	q.mu.Lock()
	if q.processing[clientID] {
		remaining := len(q.items[clientID])
		q.mu.Unlock()
		return ProcessResult{Remaining: remaining}
	}
	q.processing[clientID] = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.processing, clientID)
		q.mu.Unlock()
	}()

	var res ProcessResult
	for range q.cfg.ProcessingRate {
		if ctx.Err() != nil {
			break
		}
		item, ok := q.pop(clientID)
		if !ok {
			break
		}

		err := deliver(ctx, *item)
		if err == nil {
			res.Delivered++
			q.mu.Lock()
			q.stats.Delivered++
			q.mu.Unlock()
			continue
		}

		if stderrors.Is(err, errors.ErrCircuitOpen) {
			res.Deferred++
			q.mu.Lock()
			q.items[clientID] = append([]*Item{item}, q.items[clientID]...)
			q.stats.Deferred++
			q.mu.Unlock()
			break
		}

		item.Attempts++
		if item.Attempts >= q.cfg.MaxAttempts {
			res.Dropped++
			q.mu.Lock()
			q.stats.Dropped++
			q.mu.Unlock()
			q.logger.Warn("dropping queued message after repeated failures",
				"client_id", clientID,
				"attempts", item.Attempts,
				"error", err,
			)
			continue
		}

		res.Retried++
		q.pushFront(clientID, item)
		break
	}

	res.Remaining = q.Len(clientID)
	return res
}

func (q *Queue) pop(clientID string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items[clientID]
	if len(items) == 0 {
		return nil, false
	}
	item := items[0]
	items[0] = nil
	items = items[1:]
	if len(items) == 0 {
		delete(q.items, clientID)
	} else {
		q.items[clientID] = items
	}
	return item, true
}

func (q *Queue) pushFront(clientID string, item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[clientID] = append([]*Item{item}, q.items[clientID]...)
	q.stats.Retries++
}

// Len returns the queue depth for clientID
func (q *Queue) Len(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[clientID])
}

// Pending returns the clients with queued items, sorted
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, 0, len(q.items))
	for id := range q.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Drop discards everything queued for clientID
func (q *Queue) Drop(clientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items[clientID])
	delete(q.items, clientID)
	q.stats.Dropped += int64(n)
	return n
}

// Clear discards every queued item
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string][]*Item)
}

// Stats returns queue counters
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Clients = len(q.items)
	for _, items := range q.items {
		s.Depth += len(items)
	}
	return s
}
