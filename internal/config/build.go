package config

import (
	"strconv"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/lb"
	"github.com/shardgate/shardgate/internal/metrics"
	"github.com/shardgate/shardgate/internal/pool"
)

// dialTimeout bounds how long dialing a single backend may take; it is
// not user-configurable.
const dialTimeout = 5 * time.Second

// ToCluster builds the runtime cluster.Cluster this configuration
// describes: one cluster.Shard per entry in Shards, each with its own
// primary/replica pool.Pool set sharing the same lb.Balancer policy. m
// receives pool-exhaustion notifications labeled by shard index.
func (c *Config) ToCluster(m *metrics.Collector) (*cluster.Cluster, error) {
	poolCfg := c.ToPoolConfig()
	bal := c.ToBalancer()

	shards := make([]*cluster.Shard, len(c.Shards))
	for i, sc := range c.Shards {
		shards[i] = buildShard(i, sc, poolCfg, bal, m)
	}
	return cluster.New(c.ToShardingSchema(), shards), nil
}

// ToMirrorCluster builds the secondary cluster.Cluster the mirror
// subsystem replays sampled statements against, using the same sharding
// schema as the primary cluster (mirror targets are expected to share
// topology with the live cluster). Ok is false when no mirror section
// is configured.
func (c *Config) ToMirrorCluster(m *metrics.Collector) (cl *cluster.Cluster, ok bool) {
	if c.Mirror == nil || len(c.Mirror.Shards) == 0 {
		return nil, false
	}
	poolCfg := c.ToPoolConfig()
	bal := c.ToBalancer()

	shards := make([]*cluster.Shard, len(c.Mirror.Shards))
	for i, sc := range c.Mirror.Shards {
		shards[i] = buildShard(i, sc, poolCfg, bal, m)
	}
	return cluster.New(c.ToShardingSchema(), shards), true
}

func buildShard(index int, sc ShardConfig, poolCfg pool.Config, bal *lb.Balancer, m *metrics.Collector) *cluster.Shard {
	label := strconv.Itoa(index)
	onExhausted := func(addr string) {
		if m != nil {
			m.PoolExhausted(label)
		}
	}

	primary := newPool(sc.Primary, poolCfg, onExhausted)
	replicas := make([]*pool.Pool, len(sc.Replicas))
	for j, rc := range sc.Replicas {
		replicas[j] = newPool(rc, poolCfg, onExhausted)
	}
	return cluster.NewShard(index, primary, replicas, bal)
}

func newPool(bc BackendConfig, poolCfg pool.Config, onExhausted pool.OnExhausted) *pool.Pool {
	creds := backend.Credentials{User: bc.User, Password: bc.Password, Database: bc.Database}
	dialOpts := backend.DialOptions{DialTimeout: dialTimeout, KeepAlive: 30 * time.Second}
	return pool.New(bc.Addr(), creds, dialOpts, poolCfg, onExhausted, nil)
}
