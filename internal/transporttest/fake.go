// Package transporttest provides an in-memory domain.Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/HMasataka/tether/pkg/domain"
)

// ErrSendFailed is returned by a Fake configured to fail sends
var ErrSendFailed = errors.New("transporttest: send failed")

// ErrCloseFailed is returned by a Fake configured to fail closes
var ErrCloseFailed = errors.New("transporttest: close failed")

// Fake records everything sent through it
type Fake struct {
	mu         sync.Mutex
	messages   []any
	connected  bool
	failSends  bool
	failCloses bool
	closeCode  int
	reason     string
	closes     int
}

// New returns a connected fake
func New() *Fake {
	return &Fake{connected: true}
}

// Send implements domain.Transport
func (f *Fake) Send(ctx context.Context, message any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return errors.New("transporttest: not connected")
	}
	if f.failSends {
		return ErrSendFailed
	}
	f.messages = append(f.messages, message)
	return nil
}

// Close implements domain.Transport
func (f *Fake) Close(_ context.Context, code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closes++
	f.connected = false
	f.closeCode = code
	f.reason = reason
	if f.failCloses {
		return ErrCloseFailed
	}
	return nil
}

// IsConnected implements domain.Transport
func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected toggles the connected flag without closing
func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

// FailSends makes every subsequent Send fail
func (f *Fake) FailSends(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSends = fail
}

// FailCloses makes every subsequent Close return an error
func (f *Fake) FailCloses(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCloses = fail
}

// Messages returns a copy of the delivered messages
func (f *Fake) Messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.messages...)
}

// Types returns the envelope type of each delivered message
func (f *Fake) Types() []domain.MessageType {
	var types []domain.MessageType
	for _, m := range f.Messages() {
		types = append(types, TypeOf(m))
	}
	return types
}

// CountType returns how many delivered messages have type t
func (f *Fake) CountType(t domain.MessageType) int {
	n := 0
	for _, mt := range f.Types() {
		if mt == t {
			n++
		}
	}
	return n
}

// Reset drops recorded messages
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
}

// Closed returns the close code and reason of the last Close and how many
// times Close was called
func (f *Fake) Closed() (code int, reason string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.reason, f.closes
}

// TypeOf extracts the envelope type of a message sent through a transport
func TypeOf(m any) domain.MessageType {
	switch v := m.(type) {
	case domain.Message:
		return v.Type
	case *domain.Message:
		return v.Type
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	var probe struct {
		Type domain.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}

var _ domain.Transport = (*Fake)(nil)
