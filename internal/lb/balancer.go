// Package lb selects a backend pool from a shard's primary and replicas
// by load-balancing policy, honoring bans and read/write split. LSN role
// reprobing is not done here; internal/cluster's Shard runs it.
package lb

import (
	"context"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/pool"
)

// Policy selects the order candidates are tried in.
type Policy int

const (
	Random Policy = iota
	RoundRobin
	LeastConnections
)

// ReadWriteSplit controls whether the primary participates in read routes.
type ReadWriteSplit int

const (
	ExcludePrimary ReadWriteSplit = iota
	IncludePrimary
	IncludePrimaryIfReplicaBanned
)

// Role distinguishes primary from replica pools within a shard.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

// Candidate pairs a pool with its replication role.
type Candidate struct {
	Role Role
	Pool *pool.Pool
}

// Balancer orders and tries a shard's candidate pools for one acquisition.
type Balancer struct {
	policy     Policy
	rwSplit    ReadWriteSplit
	banTimeout time.Duration
	rrCounter  uint64
}

// New creates a Balancer with the given policy, read-write-split mode,
// and the ban duration applied to a candidate that fails during Get.
func New(policy Policy, rwSplit ReadWriteSplit, banTimeout time.Duration) *Balancer {
	return &Balancer{policy: policy, rwSplit: rwSplit, banTimeout: banTimeout}
}

// Get filters candidates by read/write split, reorders them by policy,
// and returns a checked-out Guard from the first one that succeeds,
// banning any that fail along the way. forRead indicates whether this
// acquisition is for a read-only route (governs whether the primary is
// eligible).
func (b *Balancer) Get(ctx context.Context, shard int, candidates []Candidate, forRead bool) (*pool.Guard, error) {
	targets := b.filterByRWSplit(candidates, forRead)
	targets = b.reorder(targets)

	for _, c := range targets {
		if c.Pool.Banned() {
			continue
		}
		g, err := c.Pool.Get(ctx)
		if err == nil {
			return g, nil
		}
		if len(targets) > 1 {
			c.Pool.Ban(pool.AutoBan, b.banTimeout)
		}
	}

	// Every candidate was tried and failed (or was already banned); clear
	// all non-manual bans so the cluster doesn't stay permanently wedged,
	// then surface the aggregate failure.
	for _, c := range targets {
		c.Pool.Unban(false)
	}

	if forRead {
		return nil, perror.AllReplicasDown(shard)
	}
	return nil, perror.NoPrimary(shard)
}

// filterByRWSplit drops or keeps the primary candidate depending on the
// configured read/write split policy.
func (b *Balancer) filterByRWSplit(candidates []Candidate, forRead bool) []Candidate {
	if !forRead {
		return candidates
	}

	switch b.rwSplit {
	case IncludePrimary:
		return candidates
	case IncludePrimaryIfReplicaBanned:
		allReplicasBanned := true
		for _, c := range candidates {
			if c.Role == RoleReplica && !c.Pool.Banned() {
				allReplicasBanned = false
				break
			}
		}
		if allReplicasBanned {
			return candidates
		}
		return dropPrimary(candidates)
	default: // ExcludePrimary
		return dropPrimary(candidates)
	}
}

func dropPrimary(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Role != RolePrimary {
			out = append(out, c)
		}
	}
	return out
}

// reorder applies the selection policy.
func (b *Balancer) reorder(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	switch b.policy {
	case Random:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	case RoundRobin:
		n := atomic.AddUint64(&b.rrCounter, 1)
		if len(out) > 0 {
			offset := int(n) % len(out)
			out = append(out[offset:], out[:offset]...)
		}
	case LeastConnections:
		// sort by idle-count ascending.
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Pool.Stats().Idle < out[j].Pool.Stats().Idle
		})
	}
	return out
}
