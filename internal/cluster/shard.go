// Package cluster holds the runtime topology the router and engine
// acquire connections against: one Shard per logical shard (a primary
// pool plus zero or more replica pools), grouped into a Cluster ordered
// by shard index and carrying the ShardingSchema. A two-level
// cluster -> shard -> role -> pool structure, in place of a flat
// keyed map guarded by one RWMutex.
package cluster

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shardgate/shardgate/internal/lb"
	"github.com/shardgate/shardgate/internal/pool"
)

// Shard holds one optional primary Pool and zero-or-more replica Pools;
// exposes role-aware acquisition through a Balancer.
type Shard struct {
	Index   int
	balancer *lb.Balancer

	primary  atomic.Pointer[pool.Pool]
	replicas atomic.Pointer[[]*pool.Pool]
}

// NewShard creates a Shard with an initial primary (may be nil) and
// replica set.
func NewShard(index int, primary *pool.Pool, replicas []*pool.Pool, balancer *lb.Balancer) *Shard {
	s := &Shard{Index: index, balancer: balancer}
	if primary != nil {
		s.primary.Store(primary)
	}
	rs := append([]*pool.Pool(nil), replicas...)
	s.replicas.Store(&rs)
	return s
}

// SetPrimary atomically swaps the shard's primary pool (used when the LSN
// reprober promotes a replica).
func (s *Shard) SetPrimary(p *pool.Pool) { s.primary.Store(p) }

// SetReplicas atomically swaps the shard's replica set.
func (s *Shard) SetReplicas(ps []*pool.Pool) {
	cp := append([]*pool.Pool(nil), ps...)
	s.replicas.Store(&cp)
}

func (s *Shard) Primary() *pool.Pool {
	return s.primary.Load()
}

func (s *Shard) Replicas() []*pool.Pool {
	if r := s.replicas.Load(); r != nil {
		return *r
	}
	return nil
}

// Acquire selects and checks out a connection for this shard via the
// Balancer, honoring forRead (read-write split).
func (s *Shard) Acquire(ctx context.Context, forRead bool) (*pool.Guard, error) {
	var candidates []lb.Candidate
	if p := s.primary.Load(); p != nil {
		candidates = append(candidates, lb.Candidate{Role: lb.RolePrimary, Pool: p})
	}
	for _, r := range s.Replicas() {
		candidates = append(candidates, lb.Candidate{Role: lb.RoleReplica, Pool: r})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("shard %d has no pools configured", s.Index)
	}
	return s.balancer.Get(ctx, s.Index, candidates, forRead)
}

// AllPools returns every pool (primary + replicas) for background tasks
// that must touch all of them (health probes, admin SHOW SERVERS).
func (s *Shard) AllPools() []*pool.Pool {
	out := make([]*pool.Pool, 0, 1+len(s.Replicas()))
	if p := s.primary.Load(); p != nil {
		out = append(out, p)
	}
	out = append(out, s.Replicas()...)
	return out
}

// lsnStatus is what the LSN prober reads off a candidate pool's
// connection: whether it's writable and its current WAL position.
type lsnStatus struct {
	pool       *pool.Pool
	recovery   bool
	lsn        uint64
}

// ReprobeRoles queries pg_is_in_recovery()/pg_current_wal_lsn() on every
// pool and promotes whichever writable pool has the highest LSN to
// primary on the next routing decision.
func (s *Shard) ReprobeRoles(ctx context.Context) {
	all := s.AllPools()
	statuses := make([]lsnStatus, 0, len(all))

	for _, p := range all {
		g, err := p.Get(ctx)
		if err != nil {
			continue
		}
		rows, err := g.Conn().Execute("SELECT pg_is_in_recovery(), pg_current_wal_lsn()")
		g.Release()
		if err != nil {
			continue
		}
		inRecovery, lsn, ok := parseLSNProbe(rows)
		if !ok {
			continue
		}
		statuses = append(statuses, lsnStatus{pool: p, recovery: inRecovery, lsn: lsn})
	}

	var best *lsnStatus
	for i := range statuses {
		st := &statuses[i]
		if st.recovery {
			continue
		}
		if best == nil || st.lsn > best.lsn {
			best = st
		}
	}
	if best == nil {
		return
	}

	if s.primary.Load() != best.pool {
		s.SetPrimary(best.pool)
	}
	var replicas []*pool.Pool
	for _, st := range statuses {
		if st.pool != best.pool {
			replicas = append(replicas, st.pool)
		}
	}
	s.SetReplicas(replicas)
}

// StartRoleReprober runs ReprobeRoles on a fixed interval until ctx is
// cancelled: one background LSN-detection task per shard.
func (s *Shard) StartRoleReprober(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ReprobeRoles(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}
