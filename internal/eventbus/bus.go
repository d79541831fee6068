// Package eventbus fans connection lifecycle events out to in-process
// subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Handler represents an event handler function
type Handler func(event *Event)

// Bus represents an event bus
type Bus interface {
	// Publish delivers an event to all subscribers synchronously
	Publish(event *Event)

	// PublishAsync queues an event for the dispatch goroutine
	PublishAsync(event *Event)

	// Subscribe subscribes to events of a specific type
	Subscribe(eventType EventType, handler Handler) string

	// SubscribeAll subscribes to all events
	SubscribeAll(handler Handler) string

	// Unsubscribe removes a subscription
	Unsubscribe(id string)

	// Start starts the dispatch goroutine
	Start(ctx context.Context)

	// Stop drains queued events and stops the dispatch goroutine
	Stop()
}

type subscription struct {
	id      string
	handler Handler
}

// InMemoryBus is an in-memory implementation of the event bus
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscription
	allHandlers []subscription

	eventChan chan *Event
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopped   atomic.Bool
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewInMemoryBus creates a new in-memory event bus
func NewInMemoryBus(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		subscribers: make(map[EventType][]subscription),
		eventChan:   make(chan *Event, bufferSize),
		logger:      logger.With("component", "eventbus"),
	}
}

// Publish publishes an event synchronously. A panicking handler does not
// prevent delivery to the others.
func (b *InMemoryBus) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Type])+len(b.allHandlers))
	for _, sub := range b.subscribers[event.Type] {
		handlers = append(handlers, sub.handler)
	}
	for _, sub := range b.allHandlers {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *InMemoryBus) dispatch(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event_type", string(event.Type), "panic", r)
		}
	}()
	h(event)
}

// PublishAsync publishes an event asynchronously. Events are dropped and
// counted when the buffer is full or the bus is stopped.
func (b *InMemoryBus) PublishAsync(event *Event) {
	if event == nil || b.stopped.Load() {
		b.dropped.Add(1)
		return
	}
	select {
	case b.eventChan <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event buffer full, dropping event", "event_type", string(event.Type))
	}
}

// Dropped returns the number of async events that were discarded
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe subscribes to events of a specific type
func (b *InMemoryBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: xid.New().String(), handler: handler}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	return sub.id
}

// SubscribeAll subscribes to all events
func (b *InMemoryBus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{id: xid.New().String(), handler: handler}
	b.allHandlers = append(b.allHandlers, sub)
	return sub.id
}

// Unsubscribe removes a subscription
func (b *InMemoryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}

	for i, sub := range b.allHandlers {
		if sub.id == id {
			b.allHandlers = append(b.allHandlers[:i:i], b.allHandlers[i+1:]...)
			return
		}
	}
}

// Start starts the event bus
func (b *InMemoryBus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.processEvents(ctx)
}

// Stop stops the event bus. Safe to call more than once.
func (b *InMemoryBus) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *InMemoryBus) processEvents(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case event := <-b.eventChan:
			b.Publish(event)
		}
	}
}

func (b *InMemoryBus) drain() {
	for {
		select {
		case event := <-b.eventChan:
			b.Publish(event)
		default:
			return
		}
	}
}

var _ Bus = (*InMemoryBus)(nil)
