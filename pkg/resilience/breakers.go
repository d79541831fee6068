package resilience

import (
	"sort"
	"sync"
)

// Breakers is a named set of circuit breakers created on demand from shared
// settings. OnStateChange callbacks run under the breaker lock and must not
// call back into the breaker.
type Breakers struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty set
func NewBreakers(settings Settings) *Breakers {
	return &Breakers{
		settings: settings,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it if needed
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[name]
	if !ok {
		s := b.settings
		s.Name = name
		cb = NewCircuitBreaker(s)
		b.breakers[name] = cb
	}
	return cb
}

// Lookup returns the breaker for name without creating one
func (b *Breakers) Lookup(name string) (*CircuitBreaker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	return cb, ok
}

// Remove forgets the breaker for name
func (b *Breakers) Remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, name)
}

// Len returns the number of breakers
func (b *Breakers) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.breakers)
}

// Clear drops every breaker
func (b *Breakers) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakers = make(map[string]*CircuitBreaker)
}

// Metrics returns every breaker's metrics ordered by name
func (b *Breakers) Metrics() []Metrics {
	b.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		list = append(list, cb)
	}
	b.mu.Unlock()

	out := make([]Metrics, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCount returns how many breakers are not closed
func (b *Breakers) OpenCount() int {
	n := 0
	for _, m := range b.Metrics() {
		if m.State != StateClosed.String() {
			n++
		}
	}
	return n
}
