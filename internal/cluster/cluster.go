package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
)

// Cluster is the full runtime topology the engine routes against: every
// shard's pools, plus the ShardingSchema the router classifies queries
// with.
type Cluster struct {
	Schema router.ShardingSchema
	shards []*Shard
}

// New creates a Cluster from an already-constructed set of shards, sorted
// by Index, and the schema the router will use to classify queries
// against it.
func New(schema router.ShardingSchema, shards []*Shard) *Cluster {
	ordered := make([]*Shard, len(shards))
	for _, s := range shards {
		ordered[s.Index] = s
	}
	return &Cluster{Schema: schema, shards: ordered}
}

// NumShards is the number of logical shards in the cluster.
func (c *Cluster) NumShards() int { return len(c.shards) }

// Shard returns the shard at index, or an error if out of range — a
// malformed route (built against a stale schema) should surface as an
// engine-level error, not a panic.
func (c *Cluster) Shard(index int) (*Shard, error) {
	if index < 0 || index >= len(c.shards) {
		return nil, fmt.Errorf("cluster: shard index %d out of range [0,%d)", index, len(c.shards))
	}
	return c.shards[index], nil
}

// AllShards returns every shard, in index order.
func (c *Cluster) AllShards() []*Shard {
	return c.shards
}

// AcquireAll checks out one connection per shard in indices, honoring
// forRead. On any failure it releases everything already acquired and
// returns the error.
func (c *Cluster) AcquireAll(ctx context.Context, indices []int, forRead bool) (map[int]*pool.Guard, error) {
	guards := make(map[int]*pool.Guard, len(indices))
	for _, idx := range indices {
		shard, err := c.Shard(idx)
		if err != nil {
			releaseAll(guards)
			return nil, err
		}
		g, err := shard.Acquire(ctx, forRead)
		if err != nil {
			releaseAll(guards)
			return nil, fmt.Errorf("acquiring shard %d: %w", idx, err)
		}
		guards[idx] = g
	}
	return guards, nil
}

func releaseAll(guards map[int]*pool.Guard) {
	for _, g := range guards {
		g.Release()
	}
}

// StartRoleReprobers starts every shard's background LSN reprober.
func (c *Cluster) StartRoleReprobers(ctx context.Context, interval time.Duration) {
	for _, s := range c.shards {
		s.StartRoleReprober(ctx, interval)
	}
}

// AllPools returns every pool across every shard, for admin SHOW SERVERS
// and global prepared-statement reconciliation.
func (c *Cluster) AllPools() []*pool.Pool {
	var out []*pool.Pool
	for _, s := range c.shards {
		out = append(out, s.AllPools()...)
	}
	return out
}
