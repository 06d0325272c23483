package mirror

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/lb"
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
)

// startMockBackend completes a trivial AuthenticationOk handshake and
// answers any simple Query with CommandComplete+ReadyForQuery, mirroring
// internal/pool's test harness for a fake in-process backend.
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
	if _, err := conn.Read(lenBuf); err != nil {
		return
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	body := make([]byte, msgLen-4)
	conn.Read(body)

	writeMockMsg(conn, 'R', uint32BE(0))
	writeMockMsg(conn, 'S', kvPair("server_version", "16.0"))
	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], 4242)
	binary.BigEndian.PutUint32(bkd[4:], 1234)
	writeMockMsg(conn, 'K', bkd)
	writeMockMsg(conn, 'Z', []byte{'I'})

	typeBuf := make([]byte, 1)
	for {
		if _, err := conn.Read(typeBuf); err != nil {
			return
		}
		if typeBuf[0] != 'Q' {
			return
		}
		if _, err := conn.Read(lenBuf); err != nil {
			return
		}
		qLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		q := make([]byte, qLen)
		conn.Read(q)

		writeMockMsg(conn, 'C', append([]byte("SELECT 1"), 0))
		writeMockMsg(conn, 'Z', []byte{'I'})
	}
}

func writeMockMsg(conn net.Conn, tag byte, payload []byte) {
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

func kvPair(k, v string) []byte {
	out := append([]byte(k), 0)
	out = append(out, v...)
	out = append(out, 0)
	return out
}

func testCluster(t *testing.T, shardCount int) *cluster.Cluster {
	t.Helper()
	cfg := pool.Config{
		Min: 0, Max: 2,
		CheckoutTimeout: time.Second,
		BanTimeout:      time.Second,
		RollbackTimeout: time.Second,
		IdleTimeout:     time.Minute,
		MaxLifetime:     time.Hour,
		DiscardAll:      true,
	}
	shards := make([]*cluster.Shard, shardCount)
	for i := 0; i < shardCount; i++ {
		addr, stop := startMockBackend(t)
		t.Cleanup(stop)
		p := pool.New(addr, backend.Credentials{User: "u", Database: "d"}, backend.DialOptions{DialTimeout: time.Second}, cfg, nil, nil)
		t.Cleanup(func() { p.Close() })
		balancer := lb.New(lb.Random, lb.ExcludePrimary, time.Second)
		shards[i] = cluster.NewShard(i, p, nil, balancer)
	}
	return cluster.New(router.ShardingSchema{}, shards)
}

func TestHandlerObserveRespectsExposure(t *testing.T) {
	c := testCluster(t, 1)
	h := New(c, Config{Exposure: 0, QueueDepth: 10})
	defer h.Stop()

	for i := 0; i < 20; i++ {
		h.Observe("SELECT 1")
	}
	time.Sleep(50 * time.Millisecond)
	stats := h.Stats()
	if stats.Total != 20 {
		t.Fatalf("expected total=20, got %d", stats.Total)
	}
	if stats.Mirrored != 0 {
		t.Fatalf("expected exposure=0 to mirror nothing, got %d", stats.Mirrored)
	}
}

func TestHandlerReplaysAtFullExposure(t *testing.T) {
	c := testCluster(t, 2)
	h := New(c, Config{Exposure: 1, QueueDepth: 10})
	defer h.Stop()

	h.Observe("SELECT 1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().Mirrored == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats := h.Stats()
	if stats.Mirrored != 1 {
		t.Fatalf("expected the statement to replay against both shards, got %+v", stats)
	}
}

func TestHandlerDropsWhenQueueFull(t *testing.T) {
	c := testCluster(t, 1)
	h := New(c, Config{Exposure: 1, QueueDepth: 0})
	defer h.Stop()

	h.Observe("SELECT 1")
	h.Observe("SELECT 2")

	stats := h.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected at least one drop with a zero-depth queue, got %+v", stats)
	}
}
