package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// connection is the registry's record of one live connection.
type connection struct {
	handle      Transport
	connID      string
	connectedAt time.Time
	alive       atomic.Bool
}

// ConnectionEntry is a point-in-time copy of a registered connection.
type ConnectionEntry struct {
	ID          string
	ConnID      string
	Handle      Transport
	Alive       bool
	ConnectedAt time.Time
}

// VisitEntry is a session that loaded the page but has not connected yet.
type VisitEntry struct {
	ID         string
	RecordedAt time.Time
}

// Snapshot is a consistent view of the registry taken under a single lock.
type Snapshot struct {
	TakenAt     time.Time
	Connections []ConnectionEntry
	Visits      []VisitEntry
}

// ProbeVerdict is the outcome of Registry.Probe for one connection.
type ProbeVerdict int

const (
	// ProbeStale means the entry was removed or replaced after the snapshot.
	ProbeStale ProbeVerdict = iota
	// ProbeSent means the entry was alive; its flag is now reset and the
	// caller must send a probe.
	ProbeSent
	// ProbeUnresponsive means no liveness signal arrived since the previous
	// probe; the entry has been removed and the caller must terminate it.
	ProbeUnresponsive
)

func (v ProbeVerdict) String() string {
	switch v {
	case ProbeSent:
		return "sent"
	case ProbeUnresponsive:
		return "unresponsive"
	default:
		return "stale"
	}
}

// Registry maps session ids to live connections and to pending page visits.
// A session id is never present in both tables at once.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	visits map[string]time.Time
	clock  clockwork.Clock
}

type Option func(*Registry)

// WithClock replaces the wall clock used to timestamp entries.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*connection),
		visits: make(map[string]time.Time),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpsertConnection registers h as the live connection for id, marks it alive
// and drops any pending visit for id. It returns the connection id assigned
// to h and the transport it displaced, if any. The caller owns the displaced
// transport and must terminate it.
func (r *Registry) UpsertConnection(id string, h Transport) (connID string, replaced Transport) {
	c := &connection{
		handle:      h,
		connID:      uuid.NewString(),
		connectedAt: r.clock.Now(),
	}
	c.alive.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[id]; ok && old.handle != h {
		replaced = old.handle
	}
	r.conns[id] = c
	delete(r.visits, id)
	return c.connID, replaced
}

// RecordVisit stores a page-load timestamp for id. A visit for a session
// that is already connected carries no information and is dropped; the
// return value reports whether it was stored.
func (r *Registry) RecordVisit(id string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.visits[id] = now
	return true
}

// RemoveConnection deletes the entry for id. It is a no-op when absent.
func (r *Registry) RemoveConnection(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// RemoveConnectionIf deletes the entry for id only while h is still the
// registered transport, so a replaced connection cannot evict its successor.
func (r *Registry) RemoveConnectionIf(id string, h Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.handle != h {
		return false
	}
	delete(r.conns, id)
	return true
}

// MarkAlive records a liveness signal for id. Signals for unknown ids are
// ignored.
func (r *Registry) MarkAlive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.alive.Store(true)
	return true
}

// MarkAliveFrom is MarkAlive restricted to signals arriving on h.
func (r *Registry) MarkAliveFrom(id string, h Transport) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok || c.handle != h {
		return false
	}
	c.alive.Store(true)
	return true
}

// Snapshot copies both tables. Entries are ordered by session id.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		TakenAt: r.clock.Now(),
		Connections: lo.MapToSlice(r.conns, func(id string, c *connection) ConnectionEntry {
			return ConnectionEntry{
				ID:          id,
				ConnID:      c.connID,
				Handle:      c.handle,
				Alive:       c.alive.Load(),
				ConnectedAt: c.connectedAt,
			}
		}),
		Visits: lo.MapToSlice(r.visits, func(id string, at time.Time) VisitEntry {
			return VisitEntry{ID: id, RecordedAt: at}
		}),
	}
	sort.Slice(snap.Connections, func(i, j int) bool { return snap.Connections[i].ID < snap.Connections[j].ID })
	sort.Slice(snap.Visits, func(i, j int) bool { return snap.Visits[i].ID < snap.Visits[j].ID })
	return snap
}

// ExpireVisit removes the pending visit for id if, at now, it is older than
// threshold and the session has not connected in the meantime.
func (r *Registry) ExpireVisit(id string, now time.Time, threshold time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.visits[id]
	if !ok {
		return false
	}
	if _, connected := r.conns[id]; connected {
		delete(r.visits, id)
		return false
	}
	if now.Sub(at) <= threshold {
		return false
	}
	delete(r.visits, id)
	return true
}

// Probe runs one health-check step for the connection h registered under
// id. See ProbeVerdict for the outcomes.
func (r *Registry) Probe(id string, h Transport) ProbeVerdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.handle != h {
		return ProbeStale
	}
	if !c.alive.Load() {
		delete(r.conns, id)
		return ProbeUnresponsive
	}
	c.alive.Store(false)
	return ProbeSent
}

// Lookup returns a copy of the connection entry for id.
func (r *Registry) Lookup(id string) (ConnectionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return ConnectionEntry{}, false
	}
	return ConnectionEntry{
		ID:          id,
		ConnID:      c.connID,
		Handle:      c.handle,
		Alive:       c.alive.Load(),
		ConnectedAt: c.connectedAt,
	}, true
}

// HasVisit reports whether id has a pending visit.
func (r *Registry) HasVisit(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.visits[id]
	return ok
}

// Len returns the number of live connections and pending visits.
func (r *Registry) Len() (connections, visits int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.visits)
}
