// Package eviction decides which connections to sacrifice when a bound is
// exceeded or a connection goes stale. It never mutates anything.
package eviction

import (
	"sort"
	"time"

	"github.com/HMasataka/tether/pkg/registry"
)

const (
	DefaultMaxConnectionsPerUser = 5
	DefaultMaxTotalConnections   = 1000
	DefaultTTL                   = 300 * time.Second
)

// Policy picks eviction victims from registry snapshots
type Policy interface {
	VictimForTotalLimit(conns []registry.Info) (string, bool)
	VictimForUserLimit(conns []registry.Info, userID string) (string, bool)
	FindStale(conns []registry.Info, now time.Time, ttl time.Duration) []string
}

// TTLPolicy evicts the oldest connection first and treats idle or
// disconnected connections as stale.
type TTLPolicy struct{}

// NewTTLPolicy returns the default policy
func NewTTLPolicy() *TTLPolicy {
	return &TTLPolicy{}
}

// VictimForTotalLimit returns the connection with the oldest ConnectedAt.
// Ties go to the lexicographically lowest id.
func (p *TTLPolicy) VictimForTotalLimit(conns []registry.Info) (string, bool) {
	return oldest(conns, func(registry.Info) bool { return true })
}

// VictimForUserLimit applies the same rule to one user's connections
func (p *TTLPolicy) VictimForUserLimit(conns []registry.Info, userID string) (string, bool) {
	return oldest(conns, func(c registry.Info) bool { return c.UserID == userID })
}

// FindStale returns, ordered by id, every connection idle for longer than ttl
// or whose transport reports disconnected.
func (p *TTLPolicy) FindStale(conns []registry.Info, now time.Time, ttl time.Duration) []string {
	var stale []string
	for _, c := range conns {
		if !c.Connected || now.Sub(c.LastActivity) > ttl {
			stale = append(stale, c.ID)
		}
	}
	sort.Strings(stale)
	return stale
}

func oldest(conns []registry.Info, match func(registry.Info) bool) (string, bool) {
	var (
		victim registry.Info
		found  bool
	)
	for _, c := range conns {
		if !match(c) {
			continue
		}
		if !found || older(c, victim) {
			victim = c
			found = true
		}
	}
	return victim.ID, found
}

func older(a, b registry.Info) bool {
	if !a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.ConnectedAt.Before(b.ConnectedAt)
	}
	return a.ID < b.ID
}

var _ Policy = (*TTLPolicy)(nil)
