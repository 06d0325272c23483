package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for connection gauges.
	c.UpdatePoolStats("0", "postgres", 3, 5, 8, 1)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("0", "postgres"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value
	c.UpdatePoolStats("0", "postgres", 2, 4, 6, 0)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("0", "postgres"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestQueryDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryDuration("0", "postgres", 100*time.Millisecond)
	c.QueryDuration("0", "postgres", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "shardgate_query_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
			if m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("query duration metric not found")
	}
}

func TestSetShardHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetShardHealth("0", true)
	val := getGaugeValue(c.shardHealth.WithLabelValues("0"))
	if val != 1 {
		t.Errorf("expected health=1 (healthy), got %v", val)
	}

	c.SetShardHealth("0", false)
	val = getGaugeValue(c.shardHealth.WithLabelValues("0"))
	if val != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("0")
	c.PoolExhausted("0")
	c.PoolExhausted("0")

	val := getCounterValue(c.poolExhausted.WithLabelValues("0"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestPoolBanned(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolBanned("0", "manual")
	c.PoolBanned("0", "manual")
	c.PoolBanned("0", "connection_error")

	val := getCounterValue(c.poolBans.WithLabelValues("0", "manual"))
	if val != 2 {
		t.Errorf("expected manual bans=2, got %v", val)
	}
	val = getCounterValue(c.poolBans.WithLabelValues("0", "connection_error"))
	if val != 1 {
		t.Errorf("expected connection_error bans=1, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("0", "postgres", 5, 10, 15, 2)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("0", "postgres")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("0", "postgres")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("0", "postgres")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("0", "postgres")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestRemoveShard(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("0", "postgres", 1, 2, 3, 0)
	c.SetShardHealth("0", true)
	c.PoolExhausted("0")

	c.RemoveShard("0")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "shard" && l.GetValue() == "0" {
					t.Errorf("metric %s still has shard 0 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleShards(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("0", "postgres", 1, 0, 1, 0)
	c.UpdatePoolStats("1", "postgres", 2, 1, 3, 0)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("0", "postgres"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("1", "postgres"))

	if v1 != 1 {
		t.Errorf("expected shard 0 active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected shard 1 active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("0", "postgres", 1, 0, 1, 0)
	c2.UpdatePoolStats("0", "postgres", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("0", "postgres"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("0", "postgres"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}

// --- Transaction-Mode Metrics Tests ---

func TestTransactionCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.TransactionCompleted("0", "postgres", 50*time.Millisecond)
	c.TransactionCompleted("0", "postgres", 100*time.Millisecond)

	val := getCounterValue(c.transactionsTotal.WithLabelValues("0", "postgres"))
	if val != 2 {
		t.Errorf("expected transactionsTotal=2, got %v", val)
	}

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "shardgate_transaction_duration_seconds" {
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("0", "postgres", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "shardgate_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionPinned("0", "listen command")
	c.SessionPinned("0", "listen command")
	c.SessionPinned("0", "named prepared statement")

	val := getCounterValue(c.sessionPinsTotal.WithLabelValues("0", "listen command"))
	if val != 2 {
		t.Errorf("expected listen pins=2, got %v", val)
	}
	val = getCounterValue(c.sessionPinsTotal.WithLabelValues("0", "named prepared statement"))
	if val != 1 {
		t.Errorf("expected prepared stmt pins=1, got %v", val)
	}
}

func TestBackendReset(t *testing.T) {
	c, _ := newTestCollector(t)

	c.BackendReset("0", true)
	c.BackendReset("0", true)
	c.BackendReset("0", false)

	successVal := getCounterValue(c.backendResetsTotal.WithLabelValues("0", "success"))
	if successVal != 2 {
		t.Errorf("expected reset success=2, got %v", successVal)
	}
	failVal := getCounterValue(c.backendResetsTotal.WithLabelValues("0", "failure"))
	if failVal != 1 {
		t.Errorf("expected reset failure=1, got %v", failVal)
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DirtyDisconnect("0")
	c.DirtyDisconnect("0")

	val := getCounterValue(c.dirtyDisconnects.WithLabelValues("0"))
	if val != 2 {
		t.Errorf("expected dirty disconnects=2, got %v", val)
	}
}

// --- Routing / 2PC / mirror metrics tests ---

func TestRouteDecided(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RouteDecided("direct")
	c.RouteDecided("direct")
	c.RouteDecided("all")

	if v := getCounterValue(c.routesTotal.WithLabelValues("direct")); v != 2 {
		t.Errorf("expected direct routes=2, got %v", v)
	}
	if v := getCounterValue(c.routesTotal.WithLabelValues("all")); v != 1 {
		t.Errorf("expected all routes=1, got %v", v)
	}
}

func TestMergeShards(t *testing.T) {
	c, reg := newTestCollector(t)

	c.MergeShards(3)
	c.MergeShards(2)

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "shardgate_merge_shards_total" {
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 merge samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestTwoPCPhaseFailed(t *testing.T) {
	c, _ := newTestCollector(t)

	c.TwoPCPhaseFailed("prepare")
	c.TwoPCPhaseFailed("commit")
	c.TwoPCPhaseFailed("commit")

	if v := getCounterValue(c.twoPCPhaseFailures.WithLabelValues("prepare")); v != 1 {
		t.Errorf("expected prepare failures=1, got %v", v)
	}
	if v := getCounterValue(c.twoPCPhaseFailures.WithLabelValues("commit")); v != 2 {
		t.Errorf("expected commit failures=2, got %v", v)
	}
}

func TestMirrorCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.MirrorObserved("analytics")
	c.MirrorObserved("analytics")
	c.MirrorMirrored("analytics")
	c.MirrorDropped("analytics")
	c.MirrorError("analytics", "timeout")

	if v := getCounterValue(c.mirrorObservedTotal.WithLabelValues("analytics")); v != 2 {
		t.Errorf("expected observed=2, got %v", v)
	}
	if v := getCounterValue(c.mirrorMirroredTotal.WithLabelValues("analytics")); v != 1 {
		t.Errorf("expected mirrored=1, got %v", v)
	}
	if v := getCounterValue(c.mirrorDroppedTotal.WithLabelValues("analytics")); v != 1 {
		t.Errorf("expected dropped=1, got %v", v)
	}
	if v := getCounterValue(c.mirrorErrorsTotal.WithLabelValues("analytics", "timeout")); v != 1 {
		t.Errorf("expected timeout errors=1, got %v", v)
	}
}
