package pool

import (
	"sync"

	"github.com/shardgate/shardgate/internal/backend"
)

// Guard is a scoped, exclusive acquisition of a pooled backend connection.
// On Release it hands the connection to an asynchronous cleanup task
// that makes it safe for reuse before re-enqueuing it, or force-closes
// it if cleanup can't finish in time.
type Guard struct {
	pool *Pool
	conn *backend.Connection

	once     sync.Once
	released bool
}

// Conn returns the connection this Guard owns. Valid only until Release.
func (g *Guard) Conn() *backend.Connection { return g.conn }

// Release schedules cleanup and returns the connection to its pool. Safe
// to call multiple times; only the first call has effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.released = true
		go runCleanup(g.pool, g.conn)
	})
}

// ForceClose skips cleanup and checks the connection in as not reusable,
// so it is closed rather than re-enqueued, e.g. after a protocol error
// that leaves the backend's state unknown.
func (g *Guard) ForceClose() {
	g.once.Do(func() {
		g.released = true
		go g.pool.checkin(g.conn, false)
	})
}
