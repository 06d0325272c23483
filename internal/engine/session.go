// Package engine implements the per-client query engine: reading simple
// Query messages off a client connection, routing them through
// internal/router, acquiring backend connections through internal/cluster,
// forwarding to one or more shards, merging the responses through
// internal/merger, and writing the result back to the client. It also
// drives the multi-step rewrites (split INSERT, sharding-key UPDATE) the
// router defers, and the client's transaction/prepared-statement
// bookkeeping.
package engine

import (
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
)

// State is the client-visible half of the protocol's transaction state
// machine (the ReadyForQuery status byte the client last saw).
type State int

const (
	StateIdle State = iota
	StateInTransaction
	StateTransactionError
	StateCopyMode
)

// Session holds everything about one client connection the engine needs
// across queries: negotiated startup parameters, current search_path,
// transaction state, and pins acquired for statement pinning or an
// in-flight transaction.
type Session struct {
	Params     map[string]string
	SearchPath string
	State      State

	// pendingBegin is true from a client BEGIN until the first statement
	// that actually acquires a backend connection, which is when BEGIN is
	// finally sent — transaction-mode pooling can't open a transaction on
	// a backend it hasn't chosen yet.
	pendingBegin bool

	// listenPin, once set by a LISTEN, is the shard that LISTEN, NOTIFY
	// and UNLISTEN are forwarded to verbatim, since a NOTIFY channel is
	// backend-local; other statements are routed as usual.
	listenPin    int
	hasListenPin bool

	// pinnedShards holds the guards a transaction (or a pinning command
	// like LISTEN) is holding onto across statements. nil outside a
	// pinned/transactional span.
	pinnedShards map[int]*pool.Guard

	// preparedNames is allocated for every session but nothing in the
	// engine reads or fills it; SyncPreparedStatements works from the
	// pool's global name set instead.
	preparedNames map[string]bool
}

// NewSession creates an empty Session for a freshly-authenticated client.
func NewSession(params map[string]string) *Session {
	return &Session{
		Params:        params,
		SearchPath:    "$user,public",
		pinnedShards:  make(map[int]*pool.Guard),
		preparedNames: make(map[string]bool),
	}
}

// RouterSession projects the fields internal/router needs to classify a
// statement.
func (s *Session) RouterSession() router.Session {
	return router.Session{
		SearchPath:    s.SearchPath,
		InTransaction: s.State == StateInTransaction || s.State == StateTransactionError,
	}
}

// Pin records a guard the current transaction (or pinned statement) is
// holding for shard, so subsequent statements in the same span reuse it
// instead of acquiring a new connection.
func (s *Session) Pin(shard int, g *pool.Guard) {
	s.pinnedShards[shard] = g
}

// Pinned returns the guard already held for shard, if any.
func (s *Session) Pinned(shard int) (*pool.Guard, bool) {
	g, ok := s.pinnedShards[shard]
	return g, ok
}

// PinnedShards returns the shard indices currently pinned, in no
// particular order.
func (s *Session) PinnedShards() []int {
	out := make([]int, 0, len(s.pinnedShards))
	for idx := range s.pinnedShards {
		out = append(out, idx)
	}
	return out
}

// ReleaseAll releases every pinned guard and clears the pin set — called
// at a transaction boundary (COMMIT/ROLLBACK) or client disconnect.
func (s *Session) ReleaseAll() {
	for _, g := range s.pinnedShards {
		g.Release()
	}
	s.pinnedShards = make(map[int]*pool.Guard)
}

// AbortAll force-closes every pinned guard instead of returning it to the
// pool — used when the connection's protocol state is unknown (a dirty
// disconnect, or a backend error mid-sequence).
func (s *Session) AbortAll() {
	for _, g := range s.pinnedShards {
		g.ForceClose()
	}
	s.pinnedShards = make(map[int]*pool.Guard)
}
