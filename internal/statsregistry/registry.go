// Package statsregistry holds the process-wide table of live client and
// server entries the admin console's SHOW CLIENTS/SHOW SERVERS read, and
// that a CancelRequest's backend key is looked up against.
package statsregistry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes a frontend (client-facing) entry from a backend
// (server-facing) one; SHOW CLIENTS and SHOW SERVERS each filter by it.
type Kind int

const (
	KindClient Kind = iota
	KindServer
)

// Entry is one tracked connection. PID/SecretKey are this connection's
// backend key — for a KindClient entry, the key the proxy handed the
// client at startup; for a KindServer entry, the real backend's own key,
// used to recognize which backend answers a CancelRequest. Counters are
// atomic so a snapshot reader never blocks a query goroutine incrementing
// them.
type Entry struct {
	Kind      Kind
	PID       uint32
	SecretKey uint32

	User     string
	Database string
	Addr     string
	Shard    int

	ConnectedAt time.Time

	queries int64
	bytes   int64
}

// Snapshot is a read-only copy of an Entry's counters, safe to hand to an
// admin SHOW command without holding the registry lock.
type Snapshot struct {
	Kind        Kind
	PID         uint32
	SecretKey   uint32
	User        string
	Database    string
	Addr        string
	Shard       int
	ConnectedAt time.Time
	Queries     int64
	Bytes       int64
}

// IncrQueries bumps this entry's query counter by one.
func (e *Entry) IncrQueries() { atomic.AddInt64(&e.queries, 1) }

// IncrBytes bumps this entry's byte counter by n.
func (e *Entry) IncrBytes(n int64) { atomic.AddInt64(&e.bytes, n) }

func (e *Entry) snapshot() Snapshot {
	return Snapshot{
		Kind:        e.Kind,
		PID:         e.PID,
		SecretKey:   e.SecretKey,
		User:        e.User,
		Database:    e.Database,
		Addr:        e.Addr,
		Shard:       e.Shard,
		ConnectedAt: e.ConnectedAt,
		Queries:     atomic.LoadInt64(&e.queries),
		Bytes:       atomic.LoadInt64(&e.bytes),
	}
}

// Registry is the process-wide entry table. The zero value is ready to
// use.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint32]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[uint32]*Entry)}
}

// Register adds e, keyed by its PID, and returns it. Registering a PID
// already present replaces the old entry.
func (r *Registry) Register(e *Entry) *Entry {
	if e.ConnectedAt.IsZero() {
		e.ConnectedAt = time.Now()
	}
	r.mu.Lock()
	r.entries[e.PID] = e
	r.mu.Unlock()
	return e
}

// Remove drops the entry for pid, if present.
func (r *Registry) Remove(pid uint32) {
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

// Lookup finds the entry for (pid, secret) — a CancelRequest must match
// both, never just the PID, since PIDs get reused across connections.
func (r *Registry) Lookup(pid, secret uint32) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pid]
	if !ok || e.SecretKey != secret {
		return nil, false
	}
	return e, true
}

// Snapshot returns every entry of the given kind, in no particular
// order.
func (r *Registry) Snapshot(kind Kind) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Kind == kind {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// Len returns the number of entries of the given kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
