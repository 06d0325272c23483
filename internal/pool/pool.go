// Package pool implements a min/max-sized queue of idle backend
// connections for one backend address: checkout with timeout, checkin
// with cleanup, a background health/idle/ban monitor. Scoped to a single
// shard backend address, reused by internal/cluster for every
// (shard, role) pair.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/perror"
)

// BanReason distinguishes an operator-issued ban from an automatic one.
type BanReason int

const (
	AutoBan BanReason = iota
	ManualBan
)

func (r BanReason) String() string {
	if r == ManualBan {
		return "manual"
	}
	return "auto"
}

// ban is the CAS-guarded ban record tracking a manual or automatic ban.
type ban struct {
	Reason    BanReason
	CreatedAt time.Time
	Duration  time.Duration
}

func (b *ban) expired(now time.Time) bool {
	if b == nil {
		return false
	}
	if b.Reason == ManualBan {
		return false
	}
	return now.Sub(b.CreatedAt) >= b.Duration
}

// Config holds the per-pool tunables.
type Config struct {
	Min             int
	Max             int
	CheckoutTimeout time.Duration
	BanTimeout      time.Duration
	RollbackTimeout time.Duration
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	DiscardAll      bool // true: DISCARD ALL; false: RESET ALL + DEALLOCATE ALL if statements are cached
	SyncPrepared    bool
}

// Stats is a point-in-time snapshot of a Pool's state, surfaced through
// internal/admin's SHOW SERVERS and internal/api.
type Stats struct {
	Addr      string `json:"addr"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
	Banned    bool   `json:"banned"`
	BanReason string `json:"ban_reason,omitempty"`
}

// OnExhausted is invoked when a Get call must wait because the pool is at
// its max connection count.
type OnExhausted func(addr string)

// GlobalPreparedNames returns the current set of prepared-statement names
// considered live cluster-wide; cleanup CLOSEs anything a connection has
// cached that isn't in this set.
type GlobalPreparedNames func() map[string]bool

// Pool manages backend.Connections to a single address.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	addr     string
	creds    backend.Credentials
	dialOpts backend.DialOptions
	cfg      Config

	idle       []*backend.Connection
	checkedOut map[*backend.Connection]struct{}
	total      int
	waiting    int
	exhausted  int64

	banState atomic.Pointer[ban]

	closed bool
	stopCh chan struct{}

	onExhausted  OnExhausted
	globalNames  GlobalPreparedNames
	forceClosed  int64
}

// New creates a Pool for addr and starts its background monitor and
// (if cfg.Min > 0) warm-up goroutine.
func New(addr string, creds backend.Credentials, dialOpts backend.DialOptions, cfg Config, onExhausted OnExhausted, globalNames GlobalPreparedNames) *Pool {
	p := &Pool{
		addr:        addr,
		creds:       creds,
		dialOpts:    dialOpts,
		cfg:         cfg,
		checkedOut:  make(map[*backend.Connection]struct{}),
		stopCh:      make(chan struct{}),
		onExhausted: onExhausted,
		globalNames: globalNames,
	}
	p.cond = sync.NewCond(&p.mu)

	go p.monitorLoop()
	if cfg.Min > 0 {
		go p.warmUp()
	}
	return p
}

func (p *Pool) Addr() string { return p.addr }

func (p *Pool) warmUp() {
	for i := 0; i < p.cfg.Min; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		c, err := backend.Dial(context.Background(), p.addr, p.creds, p.dialOpts)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up dial failed", "addr", p.addr, "index", i+1, "min", p.cfg.Min, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			c.Close()
			return
		}
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
}

// Get awaits an idle connection or creates one up to Max, returning a
// Guard bound to it. Fails with CheckoutTimeout after cfg.CheckoutTimeout,
// Banned if the pool is banned, or Offline during shutdown.
func (p *Pool) Get(ctx context.Context) (*Guard, error) {
	if b := p.banState.Load(); b != nil {
		return nil, perror.Banned(p.addr)
	}

	deadline := time.Now().Add(p.cfg.CheckoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, perror.Offline(p.addr)
		}

		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if p.expired(c) {
				c.Close()
				p.total--
				continue
			}

			p.checkedOut[c] = struct{}{}
			p.mu.Unlock()
			return &Guard{pool: p, conn: c}, nil
		}

		if p.total < p.cfg.Max {
			p.total++
			p.mu.Unlock()

			c, err := backend.Dial(ctx, p.addr, p.creds, p.dialOpts)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, perror.ServerError(p.addr, err)
			}

			p.mu.Lock()
			p.checkedOut[c] = struct{}{}
			p.mu.Unlock()
			return &Guard{pool: p, conn: c}, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onExhausted
		p.mu.Unlock()
		if cb != nil {
			cb(p.addr)
		}

		p.mu.Lock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, perror.CheckoutTimeout(p.addr)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, perror.Offline(p.addr)
		}
		if time.Now().After(deadline) {
			p.mu.Unlock()
			return nil, perror.CheckoutTimeout(p.addr)
		}
	}
}

func (p *Pool) expired(c *backend.Connection) bool {
	return p.cfg.MaxLifetime > 0 && time.Since(c.CreatedAt()) >= p.cfg.MaxLifetime
}

// checkin is called by Guard.Release after cleanup has run. reusable=false
// closes the connection instead of re-queuing it.
func (p *Pool) checkin(c *backend.Connection, reusable bool) {
	p.mu.Lock()
	delete(p.checkedOut, c)

	if !reusable || p.closed || p.expired(c) {
		c.Close()
		p.total--
		if !reusable {
			atomic.AddInt64(&p.forceClosed, 1)
		}
		p.cond.Signal()
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, c)
	// Signal (not Broadcast) wakes exactly the FIFO head waiter; Broadcast
	// is reserved for Close() and checkout-timeout wakeups.
	p.cond.Signal()
	p.mu.Unlock()
}

// Ban sets the pool's ban state if none is set. Returns true if this call
// performed the transition (CAS semantics).
func (p *Pool) Ban(reason BanReason, duration time.Duration) bool {
	b := &ban{Reason: reason, CreatedAt: time.Now(), Duration: duration}
	return p.banState.CompareAndSwap(nil, b)
}

// Unban clears the ban. A manual=false caller cannot clear a ManualBan
// (only explicit admin unban can); manual=true always clears.
func (p *Pool) Unban(manual bool) bool {
	cur := p.banState.Load()
	if cur == nil {
		return false
	}
	if cur.Reason == ManualBan && !manual {
		return false
	}
	return p.banState.CompareAndSwap(cur, nil)
}

// UnbanIfExpired clears a non-manual ban whose duration has elapsed.
func (p *Pool) UnbanIfExpired(now time.Time) bool {
	cur := p.banState.Load()
	if cur == nil || !cur.expired(now) {
		return false
	}
	return p.banState.CompareAndSwap(cur, nil)
}

func (p *Pool) Banned() bool { return p.banState.Load() != nil }

// Cancel issues a sideband PostgreSQL CancelRequest to this pool's
// address using the given backend key data (built
// on the wire-level primitive in internal/backend).
func (p *Pool) Cancel(ctx context.Context, pid, secret uint32) error {
	return backend.Cancel(ctx, p.addr, pid, secret, p.dialOpts.DialTimeout)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Addr:      p.addr,
		Active:    len(p.checkedOut),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.cfg.Max,
		MinConns:  p.cfg.Min,
		Exhausted: p.exhausted,
	}
	if b := p.banState.Load(); b != nil {
		s.Banned = true
		s.BanReason = b.Reason.String()
	}
	return s
}

// Drain closes idle connections and waits (bounded) for checked-out
// connections to be returned, then force-closes any stragglers.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	for _, c := range p.idle {
		c.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.checkedOut)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.checkedOut) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for c := range p.checkedOut {
				c.Close()
				p.total--
			}
			p.checkedOut = make(map[*backend.Connection]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed checked-out connections after drain timeout", "addr", p.addr)
			return
		}
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()
	p.Drain(30 * time.Second)
}

// monitorLoop is the background maintenance task: prunes idle connections
// past idle_timeout/max_lifetime, refills to Min, probes health, and
// clears expired bans.
func (p *Pool) monitorLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
			p.UnbanIfExpired(time.Now())
			p.probeHealth()
			if p.needsRefill() {
				go p.warmUp()
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) needsRefill() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.total < p.cfg.Min
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.cfg.Min {
		return
	}
	kept := make([]*backend.Connection, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.Min
	for i, c := range p.idle {
		stale := i < excess && (time.Since(c.LastUsed()) >= p.cfg.IdleTimeout || p.expired(c))
		if stale {
			c.Close()
			p.total--
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
}

// probeHealth runs a lightweight SELECT 1 against one idle connection per
// sweep, closing it (and decrementing total) if the probe fails.
func (p *Pool) probeHealth() {
	p.mu.Lock()
	if len(p.idle) == 0 || p.Banned() {
		p.mu.Unlock()
		return
	}
	c := p.idle[0]
	p.idle = p.idle[1:]
	p.mu.Unlock()

	_, err := c.Execute("SELECT 1")

	p.mu.Lock()
	if err != nil {
		c.Close()
		p.total--
		p.mu.Unlock()
		slog.Warn("pool health probe failed", "addr", p.addr, "err", err)
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}
