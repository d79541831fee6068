// Package registry owns the canonical set of live connections and the
// user/run/thread indexes derived from it.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/HMasataka/tether/pkg/errors"
)

type index map[string]map[string]struct{}

func (ix index) add(key, id string) {
	if key == "" {
		return
	}
	set, ok := ix[key]
	if !ok {
		set = make(map[string]struct{})
		ix[key] = set
	}
	set[id] = struct{}{}
}

func (ix index) remove(key, id string) {
	if key == "" {
		return
	}
	set, ok := ix[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(ix, key)
	}
}

// Registry is the single authoritative map of connection id to Connection.
// The primary map and every index are mutated under one lock.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	byUser   index
	byRun    index
	byThread index
	maxTotal int
}

// New creates a registry bounded to maxTotal connections. Zero means unbounded.
func New(maxTotal int) *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		byUser:   make(index),
		byRun:    make(index),
		byThread: make(index),
		maxTotal: maxTotal,
	}
}

// MaxTotal returns the global connection cap
func (r *Registry) MaxTotal() int {
	return r.maxTotal
}

// Register adds conn. It fails with ErrCapacityExceeded when the registry is
// full; callers are expected to evict first.
func (r *Registry) Register(conn *Connection) error {
	return r.swap(nil, conn, nil)
}

// Swap removes the connections named in evict and registers conn in a single
// critical section. Nothing changes when registration would fail.
func (r *Registry) Swap(evict []string, conn *Connection) ([]*Connection, error) {
	var removed []*Connection
	err := r.swap(evict, conn, &removed)
	return removed, err
}

func (r *Registry) swap(evict []string, conn *Connection, removed *[]*Connection) error {
	if conn == nil || conn.ID == "" || conn.UserID == "" {
		return errors.ErrInvalidInput.WithDetails("connection requires id and user id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID]; exists {
		return errors.ErrDuplicateConnection.WithDetails(conn.ID)
	}

	evicting := 0
	seen := make(map[string]struct{}, len(evict))
	for _, id := range evict {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.conns[id]; ok {
			evicting++
		}
	}

	if r.maxTotal > 0 && len(r.conns)-evicting >= r.maxTotal {
		return errors.ErrCapacityExceeded.WithDetails(fmt.Sprintf("%d/%d connections", len(r.conns), r.maxTotal))
	}

	for id := range seen {
		if c, ok := r.removeLocked(id); ok && removed != nil {
			*removed = append(*removed, c)
		}
	}

	r.conns[conn.ID] = conn
	r.byUser.add(conn.UserID, conn.ID)
	r.byRun.add(conn.runID, conn.ID)
	r.byThread.add(conn.threadID, conn.ID)
	return nil
}

// Unregister removes id from every map. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) (*Connection, bool) {
	conn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	r.byUser.remove(conn.UserID, id)
	r.byRun.remove(conn.RunID(), id)
	r.byThread.remove(conn.ThreadID(), id)
	return conn, true
}

// Get looks up a connection by id
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// ByUser returns the user's connections ordered by id
func (r *Registry) ByUser(userID string) []*Connection {
	return r.lookup(r.byUser, userID)
}

// ByRun returns the connections bound to runID ordered by id
func (r *Registry) ByRun(runID string) []*Connection {
	return r.lookup(r.byRun, runID)
}

// ByThread returns the connections bound to threadID ordered by id
func (r *Registry) ByThread(threadID string) []*Connection {
	return r.lookup(r.byThread, threadID)
}

func (r *Registry) lookup(ix index, key string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := ix[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for id := range set {
		out = append(out, r.conns[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UserCount returns how many connections userID holds
func (r *Registry) UserCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the number of distinct users
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Runs returns the number of distinct run ids
func (r *Registry) Runs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRun)
}

// SetRun binds id to runID, re-indexing atomically. An empty runID unbinds.
func (r *Registry) SetRun(id, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return errors.ErrConnectionNotFound.WithDetails(id)
	}

	conn.mu.Lock()
	r.byRun.remove(conn.runID, id)
	conn.runID = runID
	conn.mu.Unlock()
	r.byRun.add(runID, id)
	return nil
}

// SetThread binds id to threadID, re-indexing atomically
func (r *Registry) SetThread(id, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return errors.ErrConnectionNotFound.WithDetails(id)
	}

	conn.mu.Lock()
	r.byThread.remove(conn.threadID, id)
	conn.threadID = threadID
	conn.mu.Unlock()
	r.byThread.add(threadID, id)
	return nil
}

// All returns every connection ordered by id
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns value copies of every connection. Transport state is read
// outside the registry lock.
func (r *Registry) Snapshot() []Info {
	conns := r.All()
	out := make([]Info, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Info())
	}
	return out
}

// Clear removes and returns every connection
func (r *Registry) Clear() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	r.conns = make(map[string]*Connection)
	r.byUser = make(index)
	r.byRun = make(index)
	r.byThread = make(index)
	return out
}

// Compact drops empty index entries and entries pointing at missing
// connections, returning how many were pruned.
func (r *Registry) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for _, ix := range []index{r.byUser, r.byRun, r.byThread} {
		for key, set := range ix {
			for id := range set {
				if _, ok := r.conns[id]; !ok {
					delete(set, id)
					pruned++
				}
			}
			if len(set) == 0 {
				delete(ix, key)
				pruned++
			}
		}
	}
	return pruned
}

// Verify checks the no-orphans invariant in both directions
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	check := func(name string, ix index, keyOf func(*Connection) string) error {
		for key, set := range ix {
			if len(set) == 0 {
				return fmt.Errorf("%s index has empty entry %q", name, key)
			}
			for id := range set {
				conn, ok := r.conns[id]
				if !ok {
					return fmt.Errorf("%s index entry %q references missing connection %s", name, key, id)
				}
				if keyOf(conn) != key {
					return fmt.Errorf("%s index entry %q holds %s bound to %q", name, key, id, keyOf(conn))
				}
			}
		}
		for id, conn := range r.conns {
			key := keyOf(conn)
			if key == "" {
				continue
			}
			if _, ok := ix[key][id]; !ok {
				return fmt.Errorf("connection %s missing from %s index %q", id, name, key)
			}
		}
		return nil
	}

	if err := check("user", r.byUser, func(c *Connection) string { return c.UserID }); err != nil {
		return err
	}
	if err := check("run", r.byRun, func(c *Connection) string { return c.RunID() }); err != nil {
		return err
	}
	return check("thread", r.byThread, func(c *Connection) string { return c.ThreadID() })
}
