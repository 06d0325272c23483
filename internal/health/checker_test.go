package health

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/lb"
	"github.com/shardgate/shardgate/internal/metrics"
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
)

const (
	testInterval = 30 * time.Second
	testFailures = 3
	testTimeout  = 2 * time.Second
)

func newTestChecker() *Checker {
	schema := router.ShardingSchema{Shards: 1}
	cl := cluster.New(schema, nil)
	return NewChecker(cl, nil, testInterval, testFailures, testTimeout)
}

func TestCheckerInitialState(t *testing.T) {
	c := newTestChecker()

	if !c.IsHealthy(0) {
		t.Error("unknown shard should be treated as healthy")
	}
	if status := c.GetStatus(0); status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(0, true)
	if !c.IsHealthy(0) {
		t.Error("should be healthy after healthy update")
	}

	c.updateStatus(0, false)
	if !c.IsHealthy(0) {
		t.Error("should still be healthy after one failure (threshold 3)")
	}
	if status := c.GetStatus(0); status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(0, false)
	c.updateStatus(0, false)
	c.updateStatus(0, false)

	if c.IsHealthy(0) {
		t.Error("should be unhealthy after 3 consecutive failures")
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(0, false)
	c.updateStatus(0, false)
	c.updateStatus(0, false)
	if c.IsHealthy(0) {
		t.Error("should be unhealthy")
	}

	c.updateStatus(0, true)
	if !c.IsHealthy(0) {
		t.Error("should be healthy after recovery")
	}
	if status := c.GetStatus(0); status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := newTestChecker()

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus(0, true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy shard")
	}

	c.updateStatus(1, false)
	c.updateStatus(1, false)
	c.updateStatus(1, false)
	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy shard")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := newTestChecker()

	c.updateStatus(0, true)
	c.updateStatus(1, true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := newTestChecker()
	c.Start()
	c.Stop()
	c.Stop()
}

// TestPingShardSuccess spins up a mock backend answering SELECT 1 and
// verifies pingShard acquires a connection and reports healthy.
func TestPingShardSuccess(t *testing.T) {
	addr, stop := startMockBackend(t)
	defer stop()

	s := buildTestShard(t, addr)
	cl := cluster.New(router.ShardingSchema{Shards: 1}, []*cluster.Shard{s})
	c := NewChecker(cl, metrics.New(), testInterval, testFailures, testTimeout)

	if !c.pingShard(s) {
		t.Error("expected pingShard to succeed against a live mock backend")
	}
}

// TestCheckAllIsParallel verifies checkAll probes every shard and
// records a status for each, even when all probes fail (closed ports).
func TestCheckAllIsParallel(t *testing.T) {
	shards := make([]*cluster.Shard, 3)
	for i := range shards {
		shards[i] = buildTestShard(t, "127.0.0.1:1")
	}
	cl := cluster.New(router.ShardingSchema{Shards: 3}, shards)
	c := NewChecker(cl, nil, testInterval, testFailures, 200*time.Millisecond)

	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}

func buildTestShard(t *testing.T, addr string) *cluster.Shard {
	t.Helper()
	creds := backend.Credentials{User: "u", Password: "p", Database: "d"}
	dialOpts := backend.DialOptions{DialTimeout: time.Second}
	poolCfg := pool.Config{Min: 0, Max: 2, CheckoutTimeout: time.Second, IdleTimeout: time.Minute, MaxLifetime: time.Hour}
	p := pool.New(addr, creds, dialOpts, poolCfg, nil, nil)
	bal := lb.New(lb.Random, lb.ExcludePrimary, time.Second)
	s := cluster.NewShard(0, p, nil, bal)
	t.Cleanup(p.Close)
	return s
}

func startMockBackend(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveMockBackend(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func serveMockBackend(conn net.Conn) {
	defer conn.Close()

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	rest := make([]byte, msgLen-4)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return
	}

	writeMsg(conn, 'R', []byte{0, 0, 0, 0})
	writeMsg(conn, 'S', []byte("server_version\x0016.0\x00"))
	writeMsg(conn, 'K', append(uint32BE(4242), uint32BE(1234)...))
	writeMsg(conn, 'Z', []byte{'I'})

	for {
		typeBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, typeBuf); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		bodyLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		if bodyLen > 0 {
			body := make([]byte, bodyLen)
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}
		if typeBuf[0] == 'X' {
			return
		}
		writeMsg(conn, 'C', append([]byte("SELECT 1"), 0))
		writeMsg(conn, 'Z', []byte{'I'})
	}
}

func writeMsg(conn net.Conn, tag byte, payload []byte) {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	conn.Write(buf)
}

func uint32BE(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
