// Package health periodically probes every shard with a SELECT 1 over one
// pooled connection (primary or replica, whichever the shard's balancer
// picks) and tracks a consecutive-
// failure count per shard, surfacing a healthy/unhealthy verdict to the
// admin console, the REST API, and Prometheus.
package health

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/metrics"
)

// Status represents the health status of a shard's database.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ShardHealth holds health information for one shard.
type ShardHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on every shard's pools.
type Checker struct {
	mu      sync.RWMutex
	shards  map[int]*ShardHealth
	cluster *cluster.Cluster
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker against cl, reporting to m.
func NewChecker(cl *cluster.Cluster, m *metrics.Collector, interval time.Duration, failureThreshold int, connectionTimeout time.Duration) *Checker {
	return &Checker{
		shards:            make(map[int]*ShardHealth),
		cluster:           cl,
		metrics:           m,
		interval:          interval,
		failureThreshold:  failureThreshold,
		connectionTimeout: connectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	shards := c.cluster.AllShards()

	var wg sync.WaitGroup
	for _, s := range shards {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			healthy := c.pingShard(s)
			elapsed := time.Since(start)
			label := strconv.Itoa(s.Index)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(label, elapsed, healthy)
			}
			c.updateStatus(s.Index, healthy)
		}()
	}
	wg.Wait()
}

// pingShard runs SELECT 1 against a connection acquired from any of the
// shard's pools (primary or replica, per the balancer's policy order),
// which also indirectly exercises ban state. It acquires as a write route
// so the read/write-split mode cannot leave a primary-only shard with no
// candidate.
func (c *Checker) pingShard(s *cluster.Shard) bool {
	label := strconv.Itoa(s.Index)
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	g, err := s.Acquire(ctx, false)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(label, "acquire_failed")
		}
		c.setLastError(s.Index, "acquiring health check connection: "+err.Error())
		return false
	}
	defer g.Release()

	if _, err := g.Conn().Execute("SELECT 1"); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(label, "query_error")
		}
		c.setLastError(s.Index, "health check SELECT 1: "+err.Error())
		return false
	}

	c.setLastError(s.Index, "")
	return true
}

func (c *Checker) setLastError(index int, errMsg string) {
	c.mu.Lock()
	sh := c.getOrCreate(index)
	if errMsg != "" {
		sh.LastError = errMsg
	}
	c.mu.Unlock()
}

func (c *Checker) updateStatus(index int, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh := c.getOrCreate(index)
	sh.LastCheck = time.Now()

	if healthy {
		if sh.ConsecutiveFailures > 0 {
			slog.Info("shard recovered", "shard", index, "failures", sh.ConsecutiveFailures)
		}
		sh.Status = StatusHealthy
		sh.ConsecutiveFailures = 0
		sh.LastError = ""
	} else {
		sh.ConsecutiveFailures++
		if sh.ConsecutiveFailures >= c.failureThreshold {
			if sh.Status != StatusUnhealthy {
				slog.Warn("shard marked unhealthy", "shard", index, "failures", sh.ConsecutiveFailures, "error", sh.LastError)
			}
			sh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetShardHealth(strconv.Itoa(index), sh.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(index int) *ShardHealth {
	sh, ok := c.shards[index]
	if !ok {
		sh = &ShardHealth{Status: StatusUnknown}
		c.shards[index] = sh
	}
	return sh
}

// IsHealthy returns whether a shard is healthy (or unknown, which is
// treated as healthy so a brand new shard isn't rejected before its
// first check completes).
func (c *Checker) IsHealthy(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sh, ok := c.shards[index]
	if !ok {
		return true
	}
	return sh.Status != StatusUnhealthy
}

// GetStatus returns the health status for a shard.
func (c *Checker) GetStatus(index int) ShardHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sh, ok := c.shards[index]
	if !ok {
		return ShardHealth{Status: StatusUnknown}
	}
	return *sh
}

// GetAllStatuses returns health statuses for every known shard.
func (c *Checker) GetAllStatuses() map[int]ShardHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[int]ShardHealth, len(c.shards))
	for id, sh := range c.shards {
		result[id] = *sh
	}
	return result
}

// OverallHealthy returns true if every shard is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sh := range c.shards {
		if sh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
